package pose

import (
	"fmt"
	"os"

	"github.com/golang/geo/r3"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Camera models accepted in the configuration
const (
	CameraPinhole      = "pinhole"
	CameraOrthographic = "orthographic"
)

// Config represents the full configuration file
type Config struct {
	Registration RegistrationConfig `yaml:"registration" json:"registration"`
	Camera       CameraConfig       `yaml:"camera" json:"camera"`
	Extrinsic    *PoseConfig        `yaml:"extrinsic,omitempty" json:"extrinsic,omitempty"` // Optional initial pose
	Synthetic    SceneConfig        `yaml:"synthetic" json:"synthetic"`
	MQTT         MQTTConfig         `yaml:"mqtt" json:"mqtt"`
	HTTP         HTTPConfig         `yaml:"http" json:"http"`
	ResultCache  string             `yaml:"resultCache,omitempty" json:"resultCache,omitempty"` // Optional path of the last result
}

// RegistrationConfig holds the solver parameters
type RegistrationConfig struct {
	Tolerance              float64   `yaml:"tolerance" json:"tolerance"`
	InTolerance            float64   `yaml:"inTolerance" json:"inTolerance"`
	PotentialRange         float64   `yaml:"potentialRange" json:"potentialRange"`
	MaxIterations          int       `yaml:"maxIterations" json:"maxIterations"`
	Lambda                 float64   `yaml:"lambda" json:"lambda"`
	LambdaUp               float64   `yaml:"lambdaUp" json:"lambdaUp"`
	LambdaDown             float64   `yaml:"lambdaDown" json:"lambdaDown"`
	TranslationUncertainty r3.Vector `yaml:"translationUncertainty" json:"translationUncertainty"`
	RotationUncertainty    r3.Vector `yaml:"rotationUncertainty" json:"rotationUncertainty"`
}

// CameraConfig selects the intrinsic transform
type CameraConfig struct {
	Model             string `yaml:"model" json:"model"` // pinhole (default) or orthographic
	PinholeIntrinsics `yaml:",inline"`
	Scale             float64 `yaml:"scale,omitempty" json:"scale,omitempty"` // orthographic scale factor
}

// PoseConfig is a rigid pose: rotation vector (radians) then translation
type PoseConfig struct {
	Translation r3.Vector `yaml:"translation" json:"translation"`
	Rotation    r3.Vector `yaml:"rotation" json:"rotation"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	RequestTopic  string `yaml:"requestTopic" json:"requestTopic"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// HTTPConfig holds the HTTP server settings
type HTTPConfig struct {
	Port int `yaml:"port" json:"port"`
}

// DefaultConfig returns the configuration used when no file is given
func DefaultConfig() *Config {
	return &Config{
		Registration: RegistrationConfig{
			Tolerance:              DefaultTolerance,
			InTolerance:            DefaultInTolerance,
			PotentialRange:         DefaultPotentialRange,
			MaxIterations:          DefaultMaxIterations,
			Lambda:                 DefaultLambda,
			LambdaUp:               DefaultLambdaUp,
			LambdaDown:             DefaultLambdaDown,
			TranslationUncertainty: r3.Vector{X: 1, Y: 1, Z: 1},
			RotationUncertainty:    r3.Vector{X: 1, Y: 1, Z: 1},
		},
		Camera: CameraConfig{
			Model:             CameraPinhole,
			PinholeIntrinsics: DefaultSceneConfig().Camera,
		},
		Synthetic: DefaultSceneConfig(),
		MQTT: MQTTConfig{
			RequestTopic:  "posereg/request",
			PublishPrefix: "posereg",
			ClientID:      "posereg",
		},
		HTTP: HTTPConfig{Port: 4040},
	}
}

// LoadConfig loads the configuration from a YAML file.
// Keys missing from the file keep their default value.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// Validate reports every problem found in the configuration
func (c *Config) Validate() error {
	var err error
	reg := c.Registration

	if reg.Tolerance < 0 {
		err = multierr.Append(err, fmt.Errorf("registration.tolerance must be non-negative"))
	}
	if !(reg.Tolerance < reg.InTolerance) {
		err = multierr.Append(err, fmt.Errorf("registration.tolerance (%g) must be lower than registration.inTolerance (%g)",
			reg.Tolerance, reg.InTolerance))
	}
	if !(reg.PotentialRange > 0) {
		err = multierr.Append(err, fmt.Errorf("registration.potentialRange must be positive"))
	}
	if reg.MaxIterations < 0 {
		err = multierr.Append(err, fmt.Errorf("registration.maxIterations must be non-negative"))
	}
	if reg.Lambda < 0 {
		err = multierr.Append(err, fmt.Errorf("registration.lambda must be non-negative"))
	}
	if !(reg.LambdaUp > 1) || !(reg.LambdaDown > 1) {
		err = multierr.Append(err, fmt.Errorf("registration.lambdaUp and registration.lambdaDown must be greater than 1"))
	}

	if _, camErr := c.Camera.Transform(); camErr != nil {
		err = multierr.Append(err, fmt.Errorf("camera: %w", camErr))
	}

	if c.MQTT.Broker != "" && c.MQTT.RequestTopic == "" {
		err = multierr.Append(err, fmt.Errorf("mqtt.requestTopic is required when mqtt.broker is set"))
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
	}

	return err
}

// Transform returns the intrinsic transform of the configured camera
func (c CameraConfig) Transform() (Transform3D, error) {
	switch c.Model {
	case "", CameraPinhole:
		if err := c.PinholeIntrinsics.CheckValid(); err != nil {
			return Identity3D(), err
		}
		return c.PinholeIntrinsics.Transform(), nil
	case CameraOrthographic:
		scale := c.Scale
		if scale == 0 {
			scale = 1
		}
		return OrthographicIntrinsics(scale), nil
	default:
		return Identity3D(), fmt.Errorf("unknown camera model %q", c.Model)
	}
}

// Transform returns the rigid transform of the pose
func (p *PoseConfig) Transform() Transform3D {
	if p == nil {
		return Identity3D()
	}
	return RigidTransform3D(p.Translation, p.Rotation)
}

// Apply copies the solver parameters and transforms into a registrator
func (c *Config) Apply(r *Registrator) error {
	reg := c.Registration

	intrinsic, err := c.Camera.Transform()
	if err != nil {
		return fmt.Errorf("camera: %w", err)
	}
	r.SetIntrinsicTransform(intrinsic)
	r.SetExtrinsicTransform(c.Extrinsic.Transform())

	return multierr.Combine(
		r.SetInTolerance(reg.InTolerance),
		r.SetTolerance(reg.Tolerance),
		r.SetPotentialRange(reg.PotentialRange),
		r.SetMaximumNumberOfIterations(reg.MaxIterations),
		r.SetLambda(reg.Lambda),
		r.SetLambdaFactors(reg.LambdaUp, reg.LambdaDown),
		r.SetTranslationUncertainty(reg.TranslationUncertainty),
		r.SetRotationUncertainty(reg.RotationUncertainty),
	)
}

// NewRegistrator builds a registrator configured from c
func (c *Config) NewRegistrator(opts ...Option) (*Registrator, error) {
	r := NewRegistrator(opts...)
	if err := c.Apply(r); err != nil {
		return nil, err
	}
	return r, nil
}
