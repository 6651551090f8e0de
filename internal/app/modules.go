package app

import (
	"github.com/specialistvlad/splitgridgo/internal/kernels"
	"github.com/specialistvlad/splitgridgo/internal/registry"
)

// coreModules is the definitive list of all operator modules that are
// compiled into the splitgrid binary.
var coreModules = []registry.Module{
	kernels.Module{},
}
