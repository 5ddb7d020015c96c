// Package inventory defines dealership vehicle inventory and the embeddings
// computed over it for retrieval.
package inventory

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type (
	// Vehicle is a unit of dealership inventory.
	Vehicle struct {
		// ID is the unique vehicle identifier.
		ID uuid.UUID `json:"id"`
		// DealershipID is the owning dealership.
		DealershipID uuid.UUID `json:"dealership_id"`
		// Make is the manufacturer name.
		Make string `json:"make"`
		// Model is the model name.
		Model string `json:"model"`
		// Year is the model year.
		Year int `json:"year"`
		// Price is the asking price in dollars.
		Price float64 `json:"price"`
		// Mileage is the odometer reading in miles.
		Mileage int `json:"mileage"`
		// Condition describes the vehicle (new, used, certified).
		Condition string `json:"condition,omitempty"`
		// Description is free-form sales copy.
		Description string `json:"description,omitempty"`
		// Features lists notable options (sunroof, AWD, tow package).
		Features []string `json:"features,omitempty"`
		// StockNumber is the dealership's internal stock identifier.
		StockNumber string `json:"stock_number,omitempty"`
		// Status is the listing state.
		Status Status `json:"status"`
		// CreatedAt is the listing creation time.
		CreatedAt time.Time `json:"created_at"`
		// UpdatedAt is the time of the last modification.
		UpdatedAt time.Time `json:"updated_at"`
	}

	// Embedding is the vector computed over a vehicle's canonical text.
	//
	// Contract:
	//   - An embedding never outlives its vehicle. Deleting the vehicle
	//     removes the embedding in the same store operation.
	//   - InputHash identifies the exact text that was embedded so rebuilds
	//     can skip vehicles whose text has not changed.
	Embedding struct {
		// VehicleID is the vehicle this vector describes.
		VehicleID uuid.UUID `json:"vehicle_id"`
		// DealershipID is the owning dealership.
		DealershipID uuid.UUID `json:"dealership_id"`
		// Vector is the embedding produced by the embedding model.
		Vector []float32 `json:"vector"`
		// InputHash is the SHA-256 of the embedded text.
		InputHash string `json:"input_hash"`
		// UpdatedAt is the time the vector was computed.
		UpdatedAt time.Time `json:"updated_at"`
	}

	// Status is a vehicle listing state.
	Status string
)

const (
	// StatusActive marks a vehicle available for sale.
	StatusActive Status = "active"
	// StatusPending marks a vehicle with a sale in progress.
	StatusPending Status = "pending"
	// StatusSold marks a sold vehicle.
	StatusSold Status = "sold"
)

// ErrNotFound is returned when a vehicle or embedding does not exist.
var ErrNotFound = errors.New("inventory: not found")

// ValidStatus reports whether s is a known listing state.
func ValidStatus(s Status) bool {
	switch s {
	case StatusActive, StatusPending, StatusSold:
		return true
	}
	return false
}

// EmbeddingInput builds the canonical text embedded for a vehicle. The same
// vehicle always produces the same text, so InputHash comparisons detect
// unchanged listings.
func EmbeddingInput(v Vehicle) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d %s %s", v.Year, v.Make, v.Model)
	if v.Condition != "" {
		fmt.Fprintf(&b, ", %s", v.Condition)
	}
	fmt.Fprintf(&b, ". Price: $%.0f. Mileage: %d miles.", v.Price, v.Mileage)
	if len(v.Features) > 0 {
		fmt.Fprintf(&b, " Features: %s.", strings.Join(v.Features, ", "))
	}
	if v.Description != "" {
		b.WriteString(" ")
		b.WriteString(v.Description)
	}
	return b.String()
}

// InputHash returns the SHA-256 hex digest of a vehicle's canonical text.
func InputHash(v Vehicle) string {
	sum := sha256.Sum256([]byte(EmbeddingInput(v)))
	return hex.EncodeToString(sum[:])
}

// Label returns the short human-readable form used in replies and summaries,
// for example "2022 Toyota Tacoma".
func (v Vehicle) Label() string {
	return fmt.Sprintf("%d %s %s", v.Year, v.Make, v.Model)
}
