package lookup

import (
	"bytes"
	"encoding/json"
)

// number is a nutriment value. Values that are not JSON numbers are treated
// as absent.
type number struct {
	v     float64
	valid bool
}

func (n *number) UnmarshalJSON(data []byte) error {
	var f float64
	if err := json.Unmarshal(data, &f); err != nil || bytes.Equal(data, []byte("null")) {
		*n = number{}
		return nil
	}
	*n = number{v: f, valid: true}
	return nil
}

func (n number) atLeast(x float64) bool { return n.valid && n.v >= x }
func (n number) atMost(x float64) bool  { return n.valid && n.v <= x }

// Nutriments holds the per-100g values the badges depend on.
type Nutriments struct {
	Fiber        number `json:"fiber_value"`
	Salt         number `json:"salt_value"`
	Sugars       number `json:"sugars_value"`
	Proteins     number `json:"proteins_value"`
	SaturatedFat number `json:"saturated-fat_value"`
	EnergyKcal   number `json:"energy-kcal_value"`
	Calcium      number `json:"calcium_value"`
	Iron         number `json:"iron_value"`
	Potassium    number `json:"potassium_value"`
	Cholesterol  number `json:"cholesterol_value"`
}

// Badges derives health badges from nutriments and the NOVA processing group.
func Badges(n Nutriments, novaGroup int) []string {
	var badges []string
	add := func(ok bool, badge string) {
		if ok {
			badges = append(badges, badge)
		}
	}
	add(n.Fiber.atLeast(3), "High Fiber")
	add(n.Salt.atLeast(100) && n.Salt.atMost(400), "Moderate Salt")
	add(novaGroup == 4, "Ultra-Processed")
	add(n.Sugars.atMost(5), "Low Sugar")
	add(n.Proteins.atLeast(5), "High Protein")
	add(n.SaturatedFat.atMost(1.5), "Low Saturated Fat")
	add(n.EnergyKcal.atMost(40), "Low Calories")
	add(n.Calcium.atLeast(100), "High Calcium")
	add(n.Iron.atLeast(2), "High Iron")
	add(n.Potassium.atLeast(300), "High Potassium")
	add(n.Cholesterol.atMost(20), "Low Cholesterol")
	return badges
}
