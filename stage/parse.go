package stage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jupark12/recipe-ingest/models"
)

const noRecipeMarker = "NO_RECIPE_FOUND"

const untitledRecipe = "Untitled Recipe"

// ParseRecipe extracts the first JSON object from model output and decodes
// it into a Recipe. Both the {name, ingredients[{name, amount}], steps} shape
// and the {title, ingredients[{item, quantity, unit}], steps, tags,
// prep_time_minutes, cook_time_minutes} shape are accepted.
func ParseRecipe(text string) (*models.Recipe, error) {
	if strings.Contains(text, noRecipeMarker) {
		return nil, fmt.Errorf("%w: content does not describe a recipe", ErrUnsupported)
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("%w: no JSON object in model output", ErrMalformedOutput)
	}

	var raw rawRecipe
	dec := json.NewDecoder(bytes.NewReader([]byte(text[start : end+1])))
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: decode recipe: %w", ErrMalformedOutput, err)
	}
	return raw.recipe(), nil
}

type rawRecipe struct {
	Name         string          `json:"name"`
	Title        string          `json:"title"`
	Ingredients  []rawIngredient `json:"ingredients"`
	Steps        []string        `json:"steps"`
	Instructions []string        `json:"instructions"`
	Tags         []string        `json:"tags"`
	PrepMinutes  *looseInt       `json:"prep_time_minutes"`
	CookMinutes  *looseInt       `json:"cook_time_minutes"`
}

func (r rawRecipe) recipe() *models.Recipe {
	out := &models.Recipe{
		Name: strings.TrimSpace(firstNonEmpty(r.Name, r.Title)),
		Tags: r.Tags,
	}
	if out.Name == "" {
		out.Name = untitledRecipe
	}

	for _, ing := range r.Ingredients {
		name := strings.TrimSpace(firstNonEmpty(ing.Name, ing.Item))
		if name == "" {
			continue
		}
		amount := strings.TrimSpace(string(ing.Amount))
		if amount == "" {
			amount = strings.TrimSpace(strings.Join(strings.Fields(string(ing.Quantity)+" "+string(ing.Unit)), " "))
		}
		out.Ingredients = append(out.Ingredients, models.Ingredient{Name: name, Amount: amount})
	}

	steps := r.Steps
	if len(steps) == 0 {
		steps = r.Instructions
	}
	for _, s := range steps {
		if s = strings.TrimSpace(s); s != "" {
			out.Steps = append(out.Steps, s)
		}
	}

	if r.PrepMinutes != nil {
		v := int(*r.PrepMinutes)
		out.PrepMinutes = &v
	}
	if r.CookMinutes != nil {
		v := int(*r.CookMinutes)
		out.CookMinutes = &v
	}
	return out
}

type rawIngredient struct {
	Name     string      `json:"name"`
	Item     string      `json:"item"`
	Amount   looseString `json:"amount"`
	Quantity looseString `json:"quantity"`
	Unit     looseString `json:"unit"`
}

// UnmarshalJSON also accepts a bare string such as "2 eggs".
func (i *rawIngredient) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		i.Name = s
		return nil
	}
	type plain rawIngredient
	return json.Unmarshal(data, (*plain)(i))
}

// looseString decodes strings, numbers and null.
type looseString string

func (s *looseString) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = looseString(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return err
	}
	*s = looseString(num.String())
	return nil
}

// looseInt decodes numbers and numeric strings.
type looseInt int

func (n *looseInt) UnmarshalJSON(data []byte) error {
	var s looseString
	if err := s.UnmarshalJSON(data); err != nil {
		return err
	}
	fields := strings.Fields(string(s))
	if len(fields) == 0 {
		return nil
	}
	// "10 minutes" reads as 10.
	f, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return fmt.Errorf("not a number: %q", string(s))
	}
	*n = looseInt(f)
	return nil
}
