package stage

import (
	"errors"
	"testing"
)

func TestParseRecipeSimpleShape(t *testing.T) {
	text := "Here you go:\n```json\n" + `{
		"name": "Pasta",
		"ingredients": [{"name": "flour", "amount": "200g"}, {"name": "eggs", "amount": "2"}],
		"instructions": ["Mix", "Boil"]
	}` + "\n```"

	got, err := ParseRecipe(text)
	if err != nil {
		t.Fatalf("ParseRecipe() error = %v", err)
	}
	if got.Name != "Pasta" || len(got.Ingredients) != 2 || len(got.Steps) != 2 {
		t.Fatalf("recipe = %+v", got)
	}
	if got.Ingredients[0].Amount != "200g" {
		t.Fatalf("ingredient = %+v", got.Ingredients[0])
	}
}

func TestParseRecipeDetailedShape(t *testing.T) {
	text := `{
		"title": "Garlic Noodles",
		"prep_time_minutes": 10,
		"cook_time_minutes": "15 minutes",
		"ingredients": [
			{"item": "noodles", "quantity": 200, "unit": "g"},
			{"item": "garlic", "quantity": "4", "unit": "cloves"},
			{"item": "salt", "quantity": null, "unit": ""},
			"1 tbsp butter"
		],
		"steps": ["Boil noodles", " ", "Fry garlic"],
		"tags": ["quick", "asian"]
	}`

	got, err := ParseRecipe(text)
	if err != nil {
		t.Fatalf("ParseRecipe() error = %v", err)
	}
	if got.Name != "Garlic Noodles" {
		t.Fatalf("name = %q", got.Name)
	}
	wantAmounts := []string{"200 g", "4 cloves", "", ""}
	if len(got.Ingredients) != len(wantAmounts) {
		t.Fatalf("ingredients = %+v", got.Ingredients)
	}
	for i, want := range wantAmounts {
		if got.Ingredients[i].Amount != want {
			t.Errorf("ingredient %d amount = %q, want %q", i, got.Ingredients[i].Amount, want)
		}
	}
	if got.Ingredients[3].Name != "1 tbsp butter" {
		t.Errorf("bare ingredient = %+v", got.Ingredients[3])
	}
	if len(got.Steps) != 2 {
		t.Errorf("steps = %v, want blanks dropped", got.Steps)
	}
	if got.PrepMinutes == nil || *got.PrepMinutes != 10 || got.CookMinutes == nil || *got.CookMinutes != 15 {
		t.Errorf("times = %v/%v", got.PrepMinutes, got.CookMinutes)
	}
	if len(got.Tags) != 2 {
		t.Errorf("tags = %v", got.Tags)
	}
	if err := got.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestParseRecipeUntitled(t *testing.T) {
	got, err := ParseRecipe(`{"steps": ["stir"]}`)
	if err != nil {
		t.Fatalf("ParseRecipe() error = %v", err)
	}
	if got.Name != untitledRecipe {
		t.Fatalf("name = %q, want %q", got.Name, untitledRecipe)
	}
}

func TestParseRecipeErrors(t *testing.T) {
	tests := []struct {
		name string
		text string
		want error
	}{
		{"no recipe", "NO_RECIPE_FOUND", ErrUnsupported},
		{"no json", "sorry, I cannot help", ErrMalformedOutput},
		{"broken json", `{"name": "x", "steps": [}`, ErrMalformedOutput},
		{"wrong types", `{"name": 5}`, ErrMalformedOutput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseRecipe(tt.text); !errors.Is(err, tt.want) {
				t.Fatalf("ParseRecipe() error = %v, want %v", err, tt.want)
			}
		})
	}
}
