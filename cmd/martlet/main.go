package main

import (
	"martlet/cmd/martlet/commands"
	"martlet/internal/serviceutil"
)

func main() {
	commands.ExecuteContext(serviceutil.SignalContext())
}
