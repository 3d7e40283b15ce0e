package model

import (
	"fmt"
	"time"
)

// DateFormat is the calendar-date layout of Product.ExpiryDate.
const DateFormat = "2006-01-02"

// Product is a row of the remote products collection.
type Product struct {
	ID              string   `json:"id"`
	UserID          string   `json:"user_id,omitempty"`
	Name            string   `json:"name"`
	Barcode         *string  `json:"barcode"`
	ExpiryDate      string   `json:"expiry_date"`
	Category        string   `json:"category"`
	StorageLocation string   `json:"storage_location"`
	Details         string   `json:"details"`
	Badges          []string `json:"badges"`
	HealthTips      []string `json:"health_tips"`
	NutritionGrade  string   `json:"nutrition_grade,omitempty"`
	CreatedAt       string   `json:"created_at,omitempty"`
}

// Expiry parses ExpiryDate as a calendar date in loc.
func (p Product) Expiry(loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	d, err := time.ParseInLocation(DateFormat, p.ExpiryDate, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("product %s: invalid expiry_date %q: %w", p.ID, p.ExpiryDate, err)
	}
	return d, nil
}

// ProductRecord is the creation shape of a product.
type ProductRecord struct {
	ID              string   `json:"id" validate:"required,uuid"`
	UserID          string   `json:"user_id,omitempty"`
	Name            string   `json:"name" validate:"required,max=200"`
	Barcode         *string  `json:"barcode,omitempty" validate:"omitempty,numeric,min=8,max=14"`
	ExpiryDate      string   `json:"expiry_date" validate:"required,datetime=2006-01-02"`
	Category        string   `json:"category,omitempty" validate:"max=100"`
	StorageLocation string   `json:"storage_location,omitempty" validate:"max=100"`
	Details         string   `json:"details,omitempty"`
	Badges          []string `json:"badges,omitempty"`
	HealthTips      []string `json:"health_tips,omitempty"`
	NutritionGrade  string   `json:"nutrition_grade,omitempty" validate:"omitempty,oneof=a b c d e"`
}

// Product converts the record into a product row.
func (r ProductRecord) Product() Product {
	return Product{
		ID:              r.ID,
		UserID:          r.UserID,
		Name:            r.Name,
		Barcode:         r.Barcode,
		ExpiryDate:      r.ExpiryDate,
		Category:        r.Category,
		StorageLocation: r.StorageLocation,
		Details:         r.Details,
		Badges:          r.Badges,
		HealthTips:      r.HealthTips,
		NutritionGrade:  r.NutritionGrade,
	}
}

// ProductPatch holds the fields of an edit. Nil fields are left untouched.
type ProductPatch struct {
	Name            *string   `json:"name,omitempty" validate:"omitempty,min=1,max=200"`
	Barcode         *string   `json:"barcode,omitempty" validate:"omitempty,numeric,min=8,max=14"`
	ExpiryDate      *string   `json:"expiry_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Category        *string   `json:"category,omitempty" validate:"omitempty,max=100"`
	StorageLocation *string   `json:"storage_location,omitempty" validate:"omitempty,max=100"`
	Details         *string   `json:"details,omitempty"`
	Badges          *[]string `json:"badges,omitempty"`
	HealthTips      *[]string `json:"health_tips,omitempty"`
}

func (p ProductPatch) Empty() bool {
	return p.Name == nil && p.Barcode == nil && p.ExpiryDate == nil && p.Category == nil &&
		p.StorageLocation == nil && p.Details == nil && p.Badges == nil && p.HealthTips == nil
}

// Apply returns a copy of prod with the patch applied.
func (p ProductPatch) Apply(prod Product) Product {
	if p.Name != nil {
		prod.Name = *p.Name
	}
	if p.Barcode != nil {
		prod.Barcode = p.Barcode
	}
	if p.ExpiryDate != nil {
		prod.ExpiryDate = *p.ExpiryDate
	}
	if p.Category != nil {
		prod.Category = *p.Category
	}
	if p.StorageLocation != nil {
		prod.StorageLocation = *p.StorageLocation
	}
	if p.Details != nil {
		prod.Details = *p.Details
	}
	if p.Badges != nil {
		prod.Badges = *p.Badges
	}
	if p.HealthTips != nil {
		prod.HealthTips = *p.HealthTips
	}
	return prod
}

// Columns returns the patch as a column→value map, in no particular order.
func (p ProductPatch) Columns() map[string]any {
	cols := make(map[string]any)
	if p.Name != nil {
		cols["name"] = *p.Name
	}
	if p.Barcode != nil {
		cols["barcode"] = *p.Barcode
	}
	if p.ExpiryDate != nil {
		cols["expiry_date"] = *p.ExpiryDate
	}
	if p.Category != nil {
		cols["category"] = *p.Category
	}
	if p.StorageLocation != nil {
		cols["storage_location"] = *p.StorageLocation
	}
	if p.Details != nil {
		cols["details"] = *p.Details
	}
	if p.Badges != nil {
		cols["badges"] = *p.Badges
	}
	if p.HealthTips != nil {
		cols["health_tips"] = *p.HealthTips
	}
	return cols
}
