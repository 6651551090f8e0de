// Package dag models a pipeline as a directed acyclic graph of stages.
//
// Every edge carries a kind. A sequential edge copies the single output of
// one stage into the first input of the next; an additive edge feeds one of
// several upstream results into a merge stage. Stages are plain string IDs so
// the graph stays independent of the runtime that executes them.
package dag
