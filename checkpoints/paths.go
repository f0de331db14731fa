package checkpoints

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Layout names checkpoint files as
// {Root}/WGAN/{Dataset}/Generators/{Size}G_{iteration} and
// {Root}/WGAN/{Dataset}/Discriminators/{Size}D_{iteration}. Encoder
// checkpoints sit next to them under Encoders/{Size}E_{iteration}.
type Layout struct {
	Root    string
	Dataset string
	Size    string
}

func (l Layout) GeneratorDir() string {
	return filepath.Join(l.Root, "WGAN", l.Dataset, "Generators")
}

func (l Layout) DiscriminatorDir() string {
	return filepath.Join(l.Root, "WGAN", l.Dataset, "Discriminators")
}

func (l Layout) EncoderDir() string {
	return filepath.Join(l.Root, "WGAN", l.Dataset, "Encoders")
}

func (l Layout) generatorPrefix() string     { return l.Size + "G_" }
func (l Layout) discriminatorPrefix() string { return l.Size + "D_" }

func (l Layout) GeneratorPath(iteration int) string {
	return filepath.Join(l.GeneratorDir(), fmt.Sprintf("%s%d", l.generatorPrefix(), iteration))
}

func (l Layout) DiscriminatorPath(iteration int) string {
	return filepath.Join(l.DiscriminatorDir(), fmt.Sprintf("%s%d", l.discriminatorPrefix(), iteration))
}

func (l Layout) EncoderPath(iteration int) string {
	return filepath.Join(l.EncoderDir(), fmt.Sprintf("%sE_%d", l.Size, iteration))
}

// LatestIteration returns the newest iteration for which both a generator
// and a discriminator checkpoint exist. ok is false when there is none.
func (l Layout) LatestIteration() (iteration int, ok bool, err error) {
	gens, err := iterations(l.GeneratorDir(), l.generatorPrefix())
	if err != nil {
		return 0, false, err
	}
	discs, err := iterations(l.DiscriminatorDir(), l.discriminatorPrefix())
	if err != nil {
		return 0, false, err
	}

	best := -1
	for it := range gens {
		if discs[it] && it > best {
			best = it
		}
	}
	if best < 0 {
		return 0, false, nil
	}
	return best, true, nil
}

func iterations(dir, prefix string) (map[int]bool, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s", dir)
	}

	found := make(map[int]bool)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}
		it, err := strconv.Atoi(strings.TrimPrefix(name, prefix))
		if err != nil || it < 0 {
			continue
		}
		found[it] = true
	}
	return found, nil
}
