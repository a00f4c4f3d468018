package main

import (
	"golang.org/x/sys/windows"

	"pedit/pkg/log"
)

// enableVirtualTerminal turns on ANSI escape handling for the console.
func enableVirtualTerminal() {
	stdout := windows.Handle(windows.Stdout)
	var mode uint32
	if err := windows.GetConsoleMode(stdout, &mode); err != nil {
		log.Debugln("console mode: %v", err)
		return
	}
	if err := windows.SetConsoleMode(stdout, mode|windows.ENABLE_VIRTUAL_TERMINAL_PROCESSING); err != nil {
		log.Debugln("set console mode: %v", err)
	}
}
