package main

import "time"

// Flag structs decouple cobra from the command logic for testing.

// GlobalFlags are persistent on the root command.
type GlobalFlags struct {
	ConfigPath string
	// Remote daemon connection; APIUrl falls back to the config's server
	// section, then to the default local address.
	APIUrl     string
	APITimeout time.Duration
	Insecure   bool
	CACert     string
}

type ServeFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
}

type ListFlags struct {
	JSON bool
}

type InstallFlags struct {
	Name string
	// Version rewrites the version part of the installed file name.
	Version string
}

type StatusFlags struct {
	JSON    bool
	History bool
}

type EventsFlags struct {
	JSON bool
}
