/*
Package builder turns a runtime description (the `config.Model`) into ready
to run interpreters. It is the bridge between the static description and the
graph construction API of the `graph` and `interp` packages.

Construction is a multi-phase process, repeated for every subgraph:

 1. Tensor declaration: every subgraph receives the full tensor table of the
    model, so an index means the same tensor everywhere. Constants are bound
    to their data, variables go to the persistent region, dynamic and custom
    tensors are moved out of the arena.

 2. Operator creation: each `op` block is resolved through the operator
    registry and added as a node with its parameters. Inputs, outputs and
    variables of the subgraph are declared afterwards.

 3. Sharing and delegation: outputs of the first subgraph that later
    subgraphs read are registered as shared tensors, and an accelerator
    interpreter is handed to the accelerator delegate.

 4. Allocation: the interpreter allocates every subgraph, first to last.

BuildCoExecutor builds the CPU and accelerator copies a device split needs
and pairs them.
*/
package builder
