package transition

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"k8s.io/utils/clock"
)

// GuideStep is one instruction of a DFU button sequence.
type GuideStep struct {
	Order       int           `json:"order"`
	Description string        `json:"description"`
	Duration    time.Duration `json:"duration,omitempty"`
}

// Guide is the DFU entry sequence for one product family.
type Guide struct {
	ProductType string      `json:"product_type"`
	Model       string      `json:"model"`
	Steps       []GuideStep `json:"steps"`
}

// Total is the sum of all timed steps.
func (g *Guide) Total() time.Duration {
	var total time.Duration
	for _, s := range g.Steps {
		total += s.Duration
	}
	return total
}

var guides = map[string]Guide{
	"iPhone12,8": {
		Model: "iPhone SE (2nd/3rd generation)",
		Steps: []GuideStep{
			{Order: 1, Description: "Connect the device to this computer and power it off."},
			{Order: 2, Description: "Press and hold the Side button and Volume Down together.", Duration: 10 * time.Second},
			{Order: 3, Description: "Release the Side button but keep holding Volume Down.", Duration: 5 * time.Second},
			{Order: 4, Description: "Keep holding Volume Down until the screen stays black. The host then reports a new USB device."},
		},
	},
	"iPad11,7": {
		Model: "iPad (8th generation, Home button)",
		Steps: []GuideStep{
			{Order: 1, Description: "Connect the device to this computer and power it off."},
			{Order: 2, Description: "Press and hold the Top button and the Home button together.", Duration: 10 * time.Second},
			{Order: 3, Description: "Release the Top button but keep holding Home.", Duration: 5 * time.Second},
			{Order: 4, Description: "Keep holding Home until the screen stays black. The host then reports a new USB device."},
		},
	},
}

// LookupGuide returns the button sequence for productType. An exact match wins;
// otherwise any guide of the same family ("iPhone12,*") is used.
func LookupGuide(productType string) (*Guide, error) {
	productType = strings.TrimSpace(productType)
	if productType == "" {
		return nil, fmt.Errorf("product type is required for DFU guidance")
	}

	g, ok := guides[productType]
	if !ok {
		family, _, _ := strings.Cut(productType, ",")
		for key, candidate := range guides {
			if f, _, _ := strings.Cut(key, ","); strings.EqualFold(f, family) {
				g, ok = candidate, true
				break
			}
		}
	}
	if !ok {
		return nil, fmt.Errorf("no DFU guidance for %s", productType)
	}

	g.ProductType = productType
	g.Steps = append([]GuideStep(nil), g.Steps...)
	return &g, nil
}

// Present writes the steps to w. With countdown set, timed steps tick once
// per second on clk so the operator can follow along.
func (g *Guide) Present(ctx context.Context, w io.Writer, countdown bool, clk clock.Clock) error {
	if clk == nil {
		clk = clock.RealClock{}
	}

	fmt.Fprintf(w, "DFU sequence for %s (%s):\n", g.Model, g.ProductType)
	for _, s := range g.Steps {
		if s.Duration > 0 {
			fmt.Fprintf(w, "  %d. %s (%ds)\n", s.Order, s.Description, int(s.Duration.Seconds()))
		} else {
			fmt.Fprintf(w, "  %d. %s\n", s.Order, s.Description)
		}
		if !countdown || s.Duration <= 0 {
			continue
		}
		for remaining := int(s.Duration.Seconds()); remaining > 0; remaining-- {
			fmt.Fprintf(w, "     %ds\n", remaining)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-clk.After(time.Second):
			}
		}
	}
	return nil
}
