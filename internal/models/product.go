package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Product represents a product entity.
// The natural key is the SKU, compared case-insensitively: NormalizedSKU
// holds the lowercased SKU and carries the unique constraint, so "ABC-1"
// and "abc-1" can never coexist.
type Product struct {
	ID            uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	SKU           string    `json:"sku" gorm:"not null"`
	NormalizedSKU string    `json:"-" gorm:"not null;uniqueIndex:idx_products_normalized_sku"`
	Name          string    `json:"name" gorm:"not null"`
	Description   *string   `json:"description,omitempty"`
	Active        bool      `json:"active" gorm:"not null;default:true"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// TableName returns the table name for the Product model
func (Product) TableName() string {
	return "products"
}

// NormalizeSKU returns the canonical case-insensitive form of a SKU,
// used as the dedup and upsert key everywhere in the service.
func NormalizeSKU(sku string) string {
	return strings.ToLower(strings.TrimSpace(sku))
}

// CreateProductRequest is the payload for creating a product
type CreateProductRequest struct {
	SKU         string  `json:"sku" binding:"required"`
	Name        string  `json:"name" binding:"required"`
	Description *string `json:"description"`
	Active      *bool   `json:"active"`
}

// UpdateProductRequest is the payload for partially updating a product.
// Only non-nil fields are applied.
type UpdateProductRequest struct {
	SKU         *string `json:"sku"`
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Active      *bool   `json:"active"`
}

// ProductFilter carries the optional list filters
type ProductFilter struct {
	SKU         *string
	Name        *string
	Description *string
	Active      *bool
	Page        int
	PageSize    int
}

// ProductListResponse is the paginated list envelope
type ProductListResponse struct {
	Items      []Product `json:"items"`
	Total      int64     `json:"total"`
	Page       int       `json:"page"`
	PageSize   int       `json:"pageSize"`
	TotalPages int       `json:"totalPages"`
}

type ErrorResponse struct {
	Success   bool   `json:"success"`
	Error     Error  `json:"error"`
	Timestamp string `json:"timestamp,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

type SuccessResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message *string     `json:"message,omitempty"`
}
