package photon

import (
	"fmt"
	"math"
	"strings"
)

// An EveBasisMode selects how Eve picks her measurement basis.
type EveBasisMode string

// EveRandomBasis has Eve pick either basis with equal probability,
// independently of Alice.
const EveRandomBasis EveBasisMode = "random"

// A ChannelModel selects where loss and noise probabilities come from.
type ChannelModel string

const (
	// ModelAuto uses the distance model iff ChannelDistanceKm > 0, and the
	// direct percentages otherwise.
	ModelAuto ChannelModel = ""
	// ModelDirect always uses PhotonLossPercent and ChannelNoisePercent.
	ModelDirect ChannelModel = "direct"
	// ModelDistance always derives loss and noise from ChannelDistanceKm.
	ModelDistance ChannelModel = "distance"
)

// ParseChannelModel converts a user-supplied model name to a ChannelModel.
func ParseChannelModel(s string) (ChannelModel, error) {
	switch m := ChannelModel(strings.ToLower(strings.TrimSpace(s))); m {
	case ModelAuto, ModelDirect, ModelDistance:
		return m, nil
	case "auto":
		return ModelAuto, nil
	}
	return ModelAuto, fmt.Errorf("unknown channel model %q", s)
}

// A Config describes the adversary and channel a run operates under. It is
// fixed for the duration of a run.
type Config struct {
	EveEnabled          bool         `yaml:"eve_enabled" json:"eveEnabled"`
	EveInterceptPercent float64      `yaml:"eve_intercept_percent" json:"eveInterceptPercent"`
	EveBasisMode        EveBasisMode `yaml:"eve_basis_mode" json:"eveBasisMode"`

	ChannelNoisePercent float64      `yaml:"channel_noise_percent" json:"channelNoisePercent"`
	ChannelDistanceKm   float64      `yaml:"channel_distance_km" json:"channelDistanceKm"`
	PhotonLossPercent   float64      `yaml:"photon_loss_percent" json:"photonLossPercent"`
	Model               ChannelModel `yaml:"model" json:"model"`

	// ForceMatchBases makes Bob always measure in Alice's basis.
	ForceMatchBases bool `yaml:"force_match_bases" json:"forceMatchBases"`
}

// Validate returns an error describing the first nonsensical field of c.
func (c Config) Validate() error {
	pcts := []struct {
		name string
		v    float64
	}{
		{"eve intercept percent", c.EveInterceptPercent},
		{"channel noise percent", c.ChannelNoisePercent},
		{"photon loss percent", c.PhotonLossPercent},
	}
	for _, p := range pcts {
		if math.IsNaN(p.v) || p.v < 0 || p.v > 100 {
			return fmt.Errorf("%s must be in [0, 100], got %v", p.name, p.v)
		}
	}
	if math.IsNaN(c.ChannelDistanceKm) || math.IsInf(c.ChannelDistanceKm, 0) || c.ChannelDistanceKm < 0 {
		return fmt.Errorf("channel distance must be a non-negative number of km, got %v", c.ChannelDistanceKm)
	}
	switch c.EveBasisMode {
	case "", EveRandomBasis:
	default:
		return fmt.Errorf("unsupported eve basis mode %q", c.EveBasisMode)
	}
	if _, err := ParseChannelModel(string(c.Model)); err != nil {
		return err
	}
	return nil
}

// Impairments are the per-photon probabilities, in percent, that the channel
// loses a photon or flips a delivered bit.
type Impairments struct {
	LossPercent  float64 `json:"lossPercent"`
	NoisePercent float64 `json:"noisePercent"`
}

// Impairments resolves the loss and noise probabilities c implies.
func (c Config) Impairments() Impairments {
	if c.usesDistance() {
		return DistanceImpairments(c.ChannelDistanceKm)
	}
	return Impairments{
		LossPercent:  c.PhotonLossPercent,
		NoisePercent: c.ChannelNoisePercent,
	}
}

func (c Config) usesDistance() bool {
	switch c.Model {
	case ModelDirect:
		return false
	case ModelDistance:
		return true
	}
	return c.ChannelDistanceKm > 0
}

// DistanceImpairments approximates fibre attenuation: loss grows linearly at
// 0.6% per km up to 95%, and noise steps up once the link is long enough for
// detector dark counts to matter.
func DistanceImpairments(km float64) Impairments {
	im := Impairments{LossPercent: math.Min(95, km*0.6)}
	switch {
	case km > 160:
		im.NoisePercent = 10
	case km > 120:
		im.NoisePercent = 5
	case km > 80:
		im.NoisePercent = 2
	}
	return im
}
