package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the command line options
type AppOptions struct {
	ConfigFile  string
	Input       string
	Synthetic   bool
	OutputFile  string
	GeoJSONFile string
	OverlayFile string
	MqttMode    bool
	HttpMode    bool
	HttpPort    int
	Debug       bool
}

// Runner is the set of modes the command line can start
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunRegister() error
	RunService() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer, app Runner) error {
	fs := flag.NewFlagSet("posereg", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.StringVar(&opts.Input, "input", "", "Correspondence document to register (file path or http(s) URL)")
	fs.BoolVar(&opts.Synthetic, "synthetic", false, "Register a synthetic scene generated from the config")
	fs.StringVar(&opts.OutputFile, "output", "", "Write the result JSON to this file")
	fs.StringVar(&opts.GeoJSONFile, "geojson", "", "Write the residuals as GeoJSON to this file")
	fs.StringVar(&opts.OverlayFile, "overlay", "", "Render the residual overlay to this .svg or .png file")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Run the MQTT registration service")
	fs.BoolVar(&opts.HttpMode, "http", false, "Run the HTTP registration service")
	fs.IntVar(&opts.HttpPort, "http-port", 0, "HTTP server port (default from config, 4040)")
	fs.BoolVar(&opts.Debug, "debug", false, "Enable debug logging")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "posereg version: %s\n", Version)
	app.ApplyOptions(opts)

	switch {
	case opts.MqttMode || opts.HttpMode:
		return app.RunService()
	case opts.Input != "" || opts.Synthetic:
		return app.RunRegister()
	}

	fmt.Fprintln(out, "Use --input=FILE|URL to register a correspondence document")
	fmt.Fprintln(out, "Use --synthetic to register a generated scene")
	fmt.Fprintln(out, "Use --mqtt to run the MQTT registration service")
	fmt.Fprintln(out, "Use --http to run the HTTP registration service")
	fmt.Fprintln(out, "Use --mqtt --http to run both together")
	fmt.Fprintln(out, "\nConfiguration:")
	fmt.Fprintln(out, "  config.yaml - solver, camera, MQTT and HTTP settings")
	return nil
}
