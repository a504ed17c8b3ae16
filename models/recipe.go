package models

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ScrapedContent is what a scraper extracted from a social media post.
type ScrapedContent struct {
	URL          string   `json:"url"`
	MediaURL     string   `json:"media_url,omitempty"`
	ThumbnailURL string   `json:"thumbnail_url,omitempty"`
	Caption      string   `json:"caption"`
	Author       string   `json:"author,omitempty"`
	Platform     string   `json:"platform,omitempty"`
	ImageURLs    []string `json:"image_urls,omitempty"`
}

// Ingredient is a single recipe ingredient with an optional amount.
type Ingredient struct {
	Name   string `json:"name"`
	Amount string `json:"amount,omitempty"`
}

// Recipe is the structured recipe derived from scraped content.
type Recipe struct {
	Name        string       `json:"name"`
	Ingredients []Ingredient `json:"ingredients"`
	Steps       []string     `json:"steps"`
	Tags        []string     `json:"tags,omitempty"`
	PrepMinutes *int         `json:"prep_time_minutes,omitempty"`
	CookMinutes *int         `json:"cook_time_minutes,omitempty"`
	// Mirrored media, set when the worker copied it to object storage.
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	VideoURL     string `json:"video_url,omitempty"`
}

// Validate checks the recipe carries the fields every consumer relies on.
func (r *Recipe) Validate() error {
	if r == nil {
		return errors.New("recipe is nil")
	}
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("recipe name is empty")
	}
	for i, ing := range r.Ingredients {
		if strings.TrimSpace(ing.Name) == "" {
			return fmt.Errorf("ingredient %d has no name", i)
		}
	}
	if len(r.Ingredients) == 0 && len(r.Steps) == 0 {
		return errors.New("recipe has neither ingredients nor steps")
	}
	return nil
}

// Clone returns a deep copy of the recipe.
func (r *Recipe) Clone() *Recipe {
	if r == nil {
		return nil
	}
	c := *r
	c.Ingredients = slices.Clone(r.Ingredients)
	c.Steps = slices.Clone(r.Steps)
	c.Tags = slices.Clone(r.Tags)
	if r.PrepMinutes != nil {
		v := *r.PrepMinutes
		c.PrepMinutes = &v
	}
	if r.CookMinutes != nil {
		v := *r.CookMinutes
		c.CookMinutes = &v
	}
	return &c
}

