package models

import (
	"math/rand"
	"reflect"
	"testing"

	"github.com/tsawler/go-layergan/tensor"
)

var smallShape = FeatureShape{Channels: 4, Height: 7, Width: 7}

func TestEncoder(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	enc, err := NewEncoder(smallShape, 8, rng)
	if err != nil {
		t.Fatalf("NewEncoder failed: %v", err)
	}
	x, _ := tensor.RandomNormal(rng, smallShape.BatchShape(5), 0, 1)

	z, err := enc.Forward(x)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !reflect.DeepEqual(z.Shape, []int{5, 8}) {
		t.Errorf("Expected [5 8], got %v", z.Shape)
	}

	t.Run("Eval mode is deterministic", func(t *testing.T) {
		enc.SetTraining(false)
		defer enc.SetTraining(true)
		a, _ := enc.Forward(x)
		b, _ := enc.Forward(x)
		if !reflect.DeepEqual(a.Data, b.Data) {
			t.Error("Expected identical outputs without input noise")
		}
	})

	if _, err := NewEncoder(smallShape, 0, rng); err == nil {
		t.Error("Expected error for zero width")
	}
}

func TestGenerators(t *testing.T) {
	rng := rand.New(rand.NewSource(2))

	for _, kind := range []GeneratorKind{FCGeneratorKind, ConvGeneratorKind} {
		t.Run(string(kind), func(t *testing.T) {
			g, err := NewGenerator(kind, 8, smallShape, rng)
			if err != nil {
				t.Fatalf("NewGenerator failed: %v", err)
			}
			if g.Kind() != kind {
				t.Errorf("Expected kind %s, got %s", kind, g.Kind())
			}
			z, _ := tensor.RandomNormal(rng, []int{3, 8}, 0, 1)
			out, err := g.Forward(z)
			if err != nil {
				t.Fatalf("Forward failed: %v", err)
			}
			if !reflect.DeepEqual(out.Shape, smallShape.BatchShape(3)) {
				t.Errorf("Expected %v, got %v", smallShape.BatchShape(3), out.Shape)
			}
			if tensor.HasNaN(out) {
				t.Error("Generator output contains NaN")
			}
		})
	}

	t.Run("Unknown kind", func(t *testing.T) {
		if _, err := NewGenerator("gan", 8, smallShape, rng); err == nil {
			t.Error("Expected error for unknown kind")
		}
		if _, err := ParseGeneratorKind("gan"); err == nil {
			t.Error("Expected parse error for unknown kind")
		}
	})

	t.Run("Non-square shape", func(t *testing.T) {
		if _, err := NewFCGenerator(8, FeatureShape{Channels: 2, Height: 7, Width: 5}, rng); err == nil {
			t.Error("Expected error for non-square feature map")
		}
	})
}

func TestConvGeneratorDefaultProjection(t *testing.T) {
	if p := convProjectionSide(7); p != 64 {
		t.Errorf("Expected 64x64 projection for 7x7 output, got %d", p)
	}
	for s := 1; s <= 14; s++ {
		g, err := NewConvGenerator(2, FeatureShape{Channels: 1, Height: s, Width: s}, rand.New(rand.NewSource(int64(s))))
		if err != nil {
			t.Fatalf("side %d: %v", s, err)
		}
		out := g.Spec().OutputShape
		if out[1] != s || out[2] != s {
			t.Errorf("side %d: got output %v", s, out)
		}
	}
}

func TestDiscriminatorOutputRange(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	d, err := NewDiscriminator(smallShape, rng)
	if err != nil {
		t.Fatalf("NewDiscriminator failed: %v", err)
	}
	x, _ := tensor.RandomNormal(rng, smallShape.BatchShape(6), 0, 3)

	score, err := d.Forward(x)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !reflect.DeepEqual(score.Shape, []int{6, 1}) {
		t.Fatalf("Expected [6 1], got %v", score.Shape)
	}
	for i, v := range score.Data {
		if v <= 0 || v >= 1 {
			t.Errorf("score[%d] = %f outside (0, 1)", i, v)
		}
	}

	if _, err := NewDiscriminator(FeatureShape{}, rng); err == nil {
		t.Error("Expected error for empty feature shape")
	}
}

func TestParseFeatureShape(t *testing.T) {
	fs, err := ParseFeatureShape("256x7x7")
	if err != nil {
		t.Fatalf("ParseFeatureShape failed: %v", err)
	}
	if fs != DefaultFeatureShape {
		t.Errorf("Expected %v, got %v", DefaultFeatureShape, fs)
	}
	if fs.String() != "256x7x7" {
		t.Errorf("Expected 256x7x7, got %s", fs.String())
	}
	for _, bad := range []string{"", "7x7", "ax7x7", "0x7x7"} {
		if _, err := ParseFeatureShape(bad); err == nil {
			t.Errorf("Expected error for %q", bad)
		}
	}
}
