/*
Copyright © 2025 the BurnSched authors.
This file is part of BurnSched.

BurnSched is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

BurnSched is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with BurnSched.  If not, see <http://www.gnu.org/licenses/>.
*/

package burnschedutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ctessum/geom"

	"github.com/burnmodel/burnsched"
)

func TestLoadFuelsDefaults(t *testing.T) {
	fuels, err := loadFuels("")
	if err != nil {
		t.Fatal(err)
	}
	if len(fuels) != len(burnsched.DefaultFuels) {
		t.Errorf("got %d fuels, want %d", len(fuels), len(burnsched.DefaultFuels))
	}
}

func TestLoadFuelsOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fuels.toml")
	content := `
[fuels.rice]
load_tonnes_per_acre = 4.5
emission_factor_kg_per_tonne = 3.5
heat_content_j_per_kg = 1.5e7
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	fuels, err := loadFuels(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := fuels[burnsched.CropRice].LoadTonnesPerAcre; got != 4.5 {
		t.Errorf("rice load = %g, want 4.5 from the override", got)
	}
	// Crops not named keep their defaults.
	if fuels[burnsched.CropWheat] != burnsched.DefaultFuels[burnsched.CropWheat] {
		t.Error("wheat fuel changed without an override")
	}
}

func TestLoadFuelsRejectsUnknownCrop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fuels.toml")
	if err := os.WriteFile(path, []byte("[fuels.kudzu]\nload_tonnes_per_acre = 1.0\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadFuels(path); !errors.Is(err, burnsched.ErrUnknownCrop) {
		t.Errorf("err = %v, want ErrUnknownCrop", err)
	}
}

func TestLoadWeatherDefault(t *testing.T) {
	date := time.Date(2026, 9, 12, 0, 0, 0, 0, time.UTC)
	p, err := loadWeather("", date)
	if err != nil {
		t.Fatal(err)
	}
	s, err := p.Current(context.Background(), geom.Point{X: -121.5, Y: 38.5})
	if err != nil {
		t.Fatal(err)
	}
	if burnsched.SuitabilityScore(s) < 0.5 {
		t.Errorf("built-in sample suitability = %g, want burnable weather", burnsched.SuitabilityScore(s))
	}
	fc, err := p.Forecast(context.Background(), geom.Point{X: -121.5, Y: 38.5}, 48)
	if err != nil {
		t.Fatal(err)
	}
	if len(fc) == 0 {
		t.Error("built-in provider returned no forecast")
	}
}

func TestPickDate(t *testing.T) {
	reqs := []*burnsched.BurnRequest{
		{BurnDate: time.Date(2026, 9, 14, 0, 0, 0, 0, time.UTC)},
		{BurnDate: time.Date(2026, 9, 12, 0, 0, 0, 0, time.UTC)},
	}
	Cfg.Set("Date", "")
	got, err := pickDate(Cfg, reqs)
	if err != nil {
		t.Fatal(err)
	}
	if want := reqs[1].BurnDate; !got.Equal(want) {
		t.Errorf("inferred date = %v, want earliest %v", got, want)
	}

	Cfg.Set("Date", "2026-09-13")
	got, err = pickDate(Cfg, reqs)
	if err != nil {
		t.Fatal(err)
	}
	if got.Format("2006-01-02") != "2026-09-13" {
		t.Errorf("configured date = %v, want 2026-09-13", got)
	}
	Cfg.Set("Date", "")
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{fmt.Errorf("wrap: %w", burnsched.ErrInvalidInput), 2},
		{fmt.Errorf("wrap: %w", burnsched.ErrExternalUnavailable), 3},
		{fmt.Errorf("wrap: %w", burnsched.ErrCancelled), 4},
		{fmt.Errorf("wrap: %w", burnsched.ErrConflict), 1},
		{errors.New("anything else"), 1},
	}
	for _, test := range tests {
		if got := ExitCode(test.err); got != test.want {
			t.Errorf("ExitCode(%v) = %d, want %d", test.err, got, test.want)
		}
	}
}
