package validators

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// MediaTarget names the record and slot an upload or status call addresses.
type MediaTarget struct {
	Reference string `json:"reference" validate:"required,max=128"`
	Slot      string `json:"slot" validate:"required,max=64"`
}

// ParseMediaTarget reads the record reference and slot path params.
func ParseMediaTarget(r *http.Request, refParam, slotParam, defaultSlot string) (MediaTarget, error) {
	target := MediaTarget{
		Reference: strings.TrimSpace(chi.URLParam(r, refParam)),
		Slot:      defaultSlot,
	}
	if slotParam != "" {
		target.Slot = strings.TrimSpace(chi.URLParam(r, slotParam))
	}
	if err := ValidateStruct(&target); err != nil {
		return MediaTarget{}, err
	}
	return target, nil
}
