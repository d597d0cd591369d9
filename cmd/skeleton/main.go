package main

import (
	"os"

	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"

	"github.com/gwillem/skeleton/pkg/skeleton"
)

type Options struct {
	Config string `short:"c" long:"config" default:"skeleton.json" description:"Configuration file"`
	Debug  bool   `short:"d" long:"debug" description:"Log debug messages"`

	Run     RunCommand     `command:"run" description:"Connect the boards and serve requests"`
	Setup   SetupCommand   `command:"setup" description:"Find the boards and save their ports"`
	Monitor MonitorCommand `command:"monitor" description:"Watch the servos of a running skeleton"`
	Swipe   SwipeCommand   `command:"swipe" description:"Start or stop swiping a servo"`
	Trace   TraceCommand   `command:"trace" description:"Inspect recorded feedback traces"`
}

var opts Options
var parser = flags.NewParser(&opts, flags.Default)

func main() {
	parser.LongDescription = "Skeleton - servo control for the animatronic skeleton"

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		}
		os.Exit(1)
	}
}

func newLogger() (*zap.SugaredLogger, error) {
	var (
		l   *zap.Logger
		err error
	)
	if opts.Debug {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

func loadConfig() (*skeleton.Config, error) {
	return skeleton.LoadConfigFrom(opts.Config)
}
