package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ImportFormat represents the file format for import
type ImportFormat string

const (
	ImportFormatCSV  ImportFormat = "csv"
	ImportFormatXLSX ImportFormat = "xlsx"
)

// ImportStatus represents the lifecycle status of an import task
type ImportStatus string

const (
	ImportStatusPending    ImportStatus = "pending"
	ImportStatusProcessing ImportStatus = "processing"
	ImportStatusCompleted  ImportStatus = "completed"
	ImportStatusFailed     ImportStatus = "failed"
)

// Terminal reports whether no further progress updates can follow.
func (s ImportStatus) Terminal() bool {
	return s == ImportStatusCompleted || s == ImportStatusFailed
}

// RowOutcome tags the result of a single CSV row. Outcomes are aggregated
// into the task counters, never individually retained.
type RowOutcome string

const (
	RowCreated          RowOutcome = "created"
	RowUpdated          RowOutcome = "updated"
	RowSkippedDuplicate RowOutcome = "skipped_duplicate"
	RowFailedValidation RowOutcome = "failed_validation"
)

// RowError describes a failure for a specific data row
type RowError struct {
	Row     int    `json:"row"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// MaxErrorSample bounds how many row errors are retained on a task for
// operator diagnostics.
const MaxErrorSample = 50

// ImportTask is the durable record of a bulk import. It is created at
// upload acceptance and mutated exclusively by the worker that owns it;
// once terminal it is retained read-only for late observers.
type ImportTask struct {
	ID            uuid.UUID      `json:"id" gorm:"type:uuid;primary_key"`
	Status        ImportStatus   `json:"status" gorm:"not null;default:'pending';index"`
	Filename      string         `json:"filename"`
	SourcePath    string         `json:"-" gorm:"not null"`
	TotalRows     int            `json:"totalRows" gorm:"not null;default:0"`
	ProcessedRows int            `json:"processedRows" gorm:"not null;default:0"`
	CreatedCount  int            `json:"createdCount" gorm:"not null;default:0"`
	UpdatedCount  int            `json:"updatedCount" gorm:"not null;default:0"`
	SkippedCount  int            `json:"skippedCount" gorm:"not null;default:0"`
	FailedCount   int            `json:"failedCount" gorm:"not null;default:0"`
	Message       string         `json:"message"`
	ErrorSample   datatypes.JSON `json:"errorSample,omitempty" gorm:"type:jsonb"`
	StartedAt     *time.Time     `json:"startedAt,omitempty"`
	FinishedAt    *time.Time     `json:"finishedAt,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// TableName returns the table name for the ImportTask model
func (ImportTask) TableName() string {
	return "import_tasks"
}

// ImportTemplateColumn defines a column in the import template
type ImportTemplateColumn struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
	Type        string `json:"type"`
	Example     string `json:"example"`
}

// ImportTemplate defines the structure of an import template
type ImportTemplate struct {
	Entity  string                 `json:"entity"`
	Version string                 `json:"version"`
	Columns []ImportTemplateColumn `json:"columns"`
}

// ProductImportColumns returns the column definitions for product import
func ProductImportColumns() []ImportTemplateColumn {
	return []ImportTemplateColumn{
		{Name: "sku", Description: "Unique product SKU (case-insensitive)", Required: true, Type: "string", Example: "TSH-BLU-001"},
		{Name: "name", Description: "Product name", Required: true, Type: "string", Example: "Blue Cotton T-Shirt"},
		{Name: "description", Description: "Product description", Required: false, Type: "string", Example: "Soft 100% cotton"},
	}
}

// ProductImportTemplate returns the template definition for products
func ProductImportTemplate() ImportTemplate {
	return ImportTemplate{
		Entity:  "products",
		Version: "1.0",
		Columns: ProductImportColumns(),
	}
}
