package main

import (
	kiln "github.com/0xa1bed0/kiln/internal/apps/kiln/cmds"
	"github.com/0xa1bed0/kiln/internal/runtime"
)

func main() {
	var execErr error

	rt := runtime.New()
	defer rt.Finalize("kiln", "Type 'kiln help' to get help.", &execErr)

	execErr = kiln.Execute(rt)
}
