package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/qkdlab/bb84sim/bb84/photon"
)

func TestPresets(t *testing.T) {
	names := Presets()
	if len(names) != 7 {
		t.Fatalf("%d presets, want 7: %v", len(names), names)
	}
	for _, n := range names {
		p, err := Preset(n)
		if err != nil {
			t.Fatalf("Preset(%q): %v", n, err)
		}
		if err := p.Validate(); err != nil {
			t.Errorf("preset %q is invalid: %v", n, err)
		}
		if p.Experiment != n {
			t.Errorf("preset %q names itself %q", n, p.Experiment)
		}
	}
	if _, err := Preset("teleportation"); err == nil {
		t.Errorf("expected error: got nil")
	}
	p, err := Preset("")
	if err != nil || !p.Channel.ForceMatchBases {
		t.Errorf("empty experiment did not select the ideal preset: %+v, %v", p, err)
	}
}

func TestParse(t *testing.T) {
	tcs := []struct {
		name string
		doc  string
		eout Config
		eErr bool
	}{
		{
			name: "empty document is ideal",
			doc:  "",
			eout: mustPreset(t, "ideal"),
		}, {
			name: "overrides on top of preset",
			doc: `
experiment: intercept-resend
photons: 500
seed: 7
channel:
  eve_intercept_percent: 50
log:
  level: debug
`,
			eout: func() Config {
				c := mustPreset(t, "intercept-resend")
				c.Photons = 500
				c.Seed = 7
				c.Channel.EveInterceptPercent = 50
				c.Log.Level = "debug"
				return c
			}(),
		}, {
			name: "distance model",
			doc: `
experiment: distance
channel:
  channel_distance_km: 170
metrics:
  textfile: /tmp/bb84.prom
serve:
  allowed_origins: ["http://localhost:3000"]
`,
			eout: func() Config {
				c := mustPreset(t, "distance")
				c.Channel.ChannelDistanceKm = 170
				c.Metrics.Textfile = "/tmp/bb84.prom"
				c.Serve.AllowedOrigins = []string{"http://localhost:3000"}
				return c
			}(),
		},
		{name: "unknown experiment", doc: "experiment: nope", eErr: true},
		{name: "bad noise", doc: "channel:\n  channel_noise_percent: 150", eErr: true},
		{name: "no photons", doc: "photons: -1", eErr: true},
		{name: "bad model", doc: "channel:\n  model: fibre", eErr: true},
		{name: "not yaml", doc: "photons: [", eErr: true},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Parse([]byte(tc.doc))
			if tc.eErr {
				if err == nil {
					t.Errorf("expected error: got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tc.eout) {
				t.Errorf("Parse() == %+v, want %+v", got, tc.eout)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	doc := "experiment: photon-loss\nchannel:\n  photon_loss_percent: 35\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := photon.Config{PhotonLossPercent: 35, Model: photon.ModelDirect}
	if cfg.Channel != want {
		t.Errorf("channel == %+v, want %+v", cfg.Channel, want)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Errorf("expected error: got nil")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BB84_LOG_LEVEL", "warn")
	t.Setenv("BB84_METRICS_TEXTFILE", "/var/lib/node_exporter/bb84.prom")
	cfg, err := Parse([]byte("log:\n  level: debug\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Log.Level != "warn" || cfg.Metrics.Textfile != "/var/lib/node_exporter/bb84.prom" {
		t.Errorf("environment not applied: %+v", cfg)
	}
}

func mustPreset(t *testing.T, name string) Config {
	t.Helper()
	p, err := Preset(name)
	if err != nil {
		t.Fatalf("Preset(%q): %v", name, err)
	}
	return p
}
