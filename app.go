package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kwv/posereg/pose"
)

// App encapsulates the application state and dependencies
type App struct {
	Config     *pose.Config
	Results    *pose.ResultTracker
	MQTTClient *pose.MQTTClient
	Publisher  *pose.Publisher
	Logger     *zap.SugaredLogger
	Out        io.Writer

	// CLI Flags (effectively dependencies)
	ConfigFile  string
	Input       string
	Synthetic   bool
	OutputFile  string
	GeoJSONFile string
	OverlayFile string
	HttpPort    int
	MqttMode    bool
	HttpMode    bool
	Debug       bool

	inflight sync.WaitGroup
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		Results: pose.NewResultTracker(),
		Logger:  zap.NewNop().Sugar(),
		Out:     os.Stdout,
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.Input = opts.Input
	a.Synthetic = opts.Synthetic
	a.OutputFile = opts.OutputFile
	a.GeoJSONFile = opts.GeoJSONFile
	a.OverlayFile = opts.OverlayFile
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
	a.Debug = opts.Debug
	a.Logger = newLogger(opts.Debug)
}

// newLogger builds a console logger for development (-debug) or a JSON
// production logger
func newLogger(debug bool) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.DisableStacktrace = true
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return logger.Sugar()
}

// loadConfig reads the configuration file. A missing default config.yaml is
// not an error: the built-in defaults are used instead.
func (a *App) loadConfig() (*pose.Config, error) {
	if a.ConfigFile == "" {
		return pose.DefaultConfig(), nil
	}
	config, err := pose.LoadConfig(a.ConfigFile)
	if err != nil {
		if a.ConfigFile == "config.yaml" {
			if _, statErr := os.Stat(a.ConfigFile); os.IsNotExist(statErr) {
				a.Logger.Infof("no %s found, using default configuration", a.ConfigFile)
				return pose.DefaultConfig(), nil
			}
		}
		return nil, err
	}
	a.Logger.Infof("loaded config from %s", a.ConfigFile)
	return config, nil
}

// loadDocument returns the document to register: the synthetic scene of the
// config, or the -input file or URL. The scene is nil for real input.
func (a *App) loadDocument(ctx context.Context, config *pose.Config) (*pose.Document, *pose.Scene, error) {
	if a.Synthetic {
		scene, err := pose.GenerateScene(config.Synthetic)
		if err != nil {
			return nil, nil, fmt.Errorf("generating synthetic scene: %w", err)
		}
		return pose.DocumentFromScene("synthetic", scene, config.Synthetic.Camera), scene, nil
	}

	var (
		doc *pose.Document
		err error
	)
	if strings.HasPrefix(a.Input, "http://") || strings.HasPrefix(a.Input, "https://") {
		doc, err = pose.FetchCorrespondences(ctx, a.Input)
	} else {
		doc, err = pose.ParseCorrespondenceFile(a.Input)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("loading %s: %w", a.Input, err)
	}
	if doc.ID == "" {
		doc.ID = "cli"
	}
	return doc, nil, nil
}

// RunRegister registers a single document and writes the requested outputs.
// Interrupting the process stops the registration at the next iteration.
func (a *App) RunRegister() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	config, err := a.loadConfig()
	if err != nil {
		return err
	}
	a.Config = config

	doc, scene, err := a.loadDocument(ctx, config)
	if err != nil {
		return err
	}

	r, err := config.NewRegistrator(pose.WithLogger(a.Logger))
	if err != nil {
		return fmt.Errorf("configuring registration: %w", err)
	}
	defer r.Close()

	res, runErr := pose.Register(ctx, r, doc)
	if res == nil {
		return runErr
	}
	a.printResult(res, scene)

	if err := a.writeOutputs(res); err != nil {
		return err
	}
	return runErr
}

func (a *App) printResult(res *pose.Result, scene *pose.Scene) {
	fmt.Fprintf(a.Out, "\n=== %s ===\n", res.ID)
	fmt.Fprintf(a.Out, "State: %s after %d iterations (%v)\n", res.State, res.Iterations, res.Duration.Round(time.Microsecond))
	fmt.Fprintf(a.Out, "Mean square error: %.6g\n", res.MeanSquareError)
	fmt.Fprintf(a.Out, "Potential: %.4f over %d correspondences\n", res.Potential, len(res.Residuals))

	t := res.Extrinsic.Translation()
	w := res.Extrinsic.RotationVector()
	fmt.Fprintf(a.Out, "Extrinsic translation: (%.6f, %.6f, %.6f)\n", t.X, t.Y, t.Z)
	fmt.Fprintf(a.Out, "Extrinsic rotation:    (%.6f, %.6f, %.6f) rad\n", w.X, w.Y, w.Z)

	if scene != nil {
		dt := t.Sub(scene.TruePose.Translation()).Norm()
		dw := w.Sub(scene.TruePose.RotationVector()).Norm()
		fmt.Fprintf(a.Out, "Error against true pose: translation %.3g, rotation %.3g rad\n", dt, dw)
	}

	if worst := pose.LargestResiduals(res.Residuals, 3); len(worst) > 0 {
		fmt.Fprintf(a.Out, "Largest residuals at correspondences %v\n", worst)
	}
	if res.Error != "" {
		fmt.Fprintf(a.Out, "Error: %s\n", res.Error)
	}
}

func (a *App) writeOutputs(res *pose.Result) error {
	if a.OutputFile != "" {
		if err := pose.SaveResult(a.OutputFile, res); err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "Result written to %s\n", a.OutputFile)
	}
	if a.GeoJSONFile != "" {
		if err := pose.WriteResidualGeoJSON(a.GeoJSONFile, res); err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "Residuals written to %s\n", a.GeoJSONFile)
	}
	if a.OverlayFile != "" {
		if err := pose.SaveOverlay(a.OverlayFile, res); err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "Overlay written to %s\n", a.OverlayFile)
	}
	return nil
}

// register runs one registration for a service request and records the
// result. Progress and results are published when MQTT is enabled.
func (a *App) register(ctx context.Context, id string, doc *pose.Document) (*pose.Result, error) {
	doc.ID = id
	opts := []pose.Option{pose.WithLogger(a.Logger.With("request", id))}
	if a.Publisher != nil {
		opts = append(opts, pose.WithIterationHook(a.Publisher.ProgressHook(id)))
	}

	r, err := a.Config.NewRegistrator(opts...)
	if err != nil {
		return nil, fmt.Errorf("configuring registration: %w", err)
	}
	defer r.Close()

	if err := a.Results.Begin(id, r); err != nil {
		return nil, err
	}
	res, runErr := pose.Register(ctx, r, doc)
	if res == nil {
		a.Results.Abort(id)
		return nil, runErr
	}

	if err := a.Results.Complete(res); err != nil {
		a.Logger.Warnf("[REG] result %s not cached: %v", id, err)
	}
	a.publish(res)
	return res, runErr
}

func (a *App) publish(res *pose.Result) {
	if a.Publisher == nil {
		return
	}
	if err := a.Publisher.PublishResult(res); err != nil {
		a.Logger.Errorf("[MQTT] error publishing result %s: %v", res.ID, err)
	}
}

// requestHandler runs each MQTT request in its own goroutine so stop
// commands are received while registrations run
func (a *App) requestHandler(ctx context.Context) pose.RequestHandler {
	return func(id string, doc *pose.Document, err error) {
		if err != nil {
			a.publish(&pose.Result{ID: id, State: pose.StateFailed, Error: err.Error(), LastUpdated: time.Now().Unix()})
			return
		}
		a.inflight.Add(1)
		go func() {
			defer a.inflight.Done()
			if _, err := a.register(ctx, id, doc); err != nil {
				a.Logger.Warnf("[REG] request %s: %v", id, err)
			}
		}()
	}
}

func (a *App) stopHandler(id string) {
	if !a.Results.Stop(id) {
		a.Logger.Infof("[REG] no running registration %s to stop", id)
	}
}

// RunService starts the MQTT and/or HTTP front ends and blocks until
// interrupted
func (a *App) RunService() error {
	fmt.Fprintln(a.Out, "Starting posereg service...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	config, err := a.loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	a.Config = config

	if config.ResultCache != "" {
		a.Results = pose.NewResultTrackerWithCache(config.ResultCache)
		if latest := a.Results.Latest(); latest != nil {
			a.Logger.Infof("restored result %s from %s", latest.ID, config.ResultCache)
		}
	}

	if a.MqttMode {
		client, err := pose.InitMQTT(config.MQTT, a.requestHandler(ctx), a.stopHandler, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize MQTT: %w", err)
		}
		if client == nil {
			return errors.New("MQTT broker not configured in config.yaml")
		}
		a.MQTTClient = client
		a.Publisher = pose.NewPublisher(client.Client(), client.Config().PublishPrefix, a.Logger)
	}

	var server *http.Server
	if a.HttpMode {
		port := a.HttpPort
		if port == 0 {
			port = config.HTTP.Port
		}
		server = &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", port),
			Handler:           newHTTPServer(a.Results, a.register, a.Logger),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			a.Logger.Infof("[HTTP] starting server on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.Logger.Errorf("[HTTP] server error: %v", err)
				stop()
			}
		}()
	}

	a.printServiceInfo()

	<-ctx.Done()

	fmt.Fprintln(a.Out, "\nShutting down service...")
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.Logger.Warnf("[HTTP] shutdown: %v", err)
		}
	}
	// registrations see the cancelled context and stop at their next iteration
	a.inflight.Wait()
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	_ = a.Logger.Sync()
	fmt.Fprintln(a.Out, "Service stopped")
	return nil
}

func (a *App) printServiceInfo() {
	fmt.Fprintln(a.Out, "\nService Running")
	fmt.Fprintln(a.Out, "===============")

	if a.MQTTClient != nil {
		mc := a.MQTTClient.Config()
		fmt.Fprintln(a.Out, "\nMQTT:")
		fmt.Fprintf(a.Out, "  Requests:  %s, %s/{id}\n", mc.RequestTopic, mc.RequestTopic)
		fmt.Fprintf(a.Out, "  Stop:      %s/{id}/stop\n", mc.PublishPrefix)
		fmt.Fprintf(a.Out, "  Results:   %s/{id}, %s/latest\n", mc.PublishPrefix, mc.PublishPrefix)
		fmt.Fprintf(a.Out, "  Progress:  %s/{id}/progress\n", mc.PublishPrefix)
	}

	if a.HttpMode {
		fmt.Fprintln(a.Out, "\nHTTP endpoints:")
		fmt.Fprintln(a.Out, "  GET  /health                          - Health check")
		fmt.Fprintln(a.Out, "  GET  /results                         - Recent results")
		fmt.Fprintln(a.Out, "  GET  /results/{id}                    - One result (or latest)")
		fmt.Fprintln(a.Out, "  GET  /results/{id}/overlay.svg        - Residual overlay (also .png)")
		fmt.Fprintln(a.Out, "  GET  /results/{id}/residuals.geojson  - Residuals as GeoJSON")
		fmt.Fprintln(a.Out, "  POST /register                        - Register a correspondence document")
	}

	fmt.Fprintln(a.Out, "\nPress Ctrl+C to stop")
}
