package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"product-import-service/internal/models"
)

// ProductCacheTTL bounds how long a single product stays cached.
const ProductCacheTTL = 5 * time.Minute

// ErrDuplicateSKU is returned when a create or update would violate the
// case-insensitive SKU uniqueness invariant.
var ErrDuplicateSKU = fmt.Errorf("product with this SKU already exists")

type ProductsRepository struct {
	db    *gorm.DB
	redis *redis.Client
}

func NewProductsRepository(db *gorm.DB, redisClient *redis.Client) *ProductsRepository {
	return &ProductsRepository{
		db:    db,
		redis: redisClient,
	}
}

func productCacheKey(productID uuid.UUID) string {
	return fmt.Sprintf("product:%s", productID.String())
}

// invalidateProductCache drops the cached copy of a product
func (r *ProductsRepository) invalidateProductCache(ctx context.Context, productID uuid.UUID) {
	if r.redis == nil {
		return
	}
	_ = r.redis.Del(ctx, productCacheKey(productID)).Err()
}

// CreateProduct creates a new product. The normalized SKU is always derived
// here so callers cannot bypass the uniqueness invariant.
func (r *ProductsRepository) CreateProduct(ctx context.Context, product *models.Product) error {
	if product.ID == uuid.Nil {
		product.ID = uuid.New()
	}
	product.NormalizedSKU = models.NormalizeSKU(product.SKU)
	product.CreatedAt = time.Now()
	product.UpdatedAt = time.Now()

	var existing int64
	if err := r.db.WithContext(ctx).Model(&models.Product{}).
		Where("normalized_sku = ?", product.NormalizedSKU).
		Count(&existing).Error; err != nil {
		return err
	}
	if existing > 0 {
		return ErrDuplicateSKU
	}

	return r.db.WithContext(ctx).Create(product).Error
}

// GetProductByID retrieves a product by ID with caching
func (r *ProductsRepository) GetProductByID(ctx context.Context, productID uuid.UUID) (*models.Product, error) {
	cacheKey := productCacheKey(productID)

	if r.redis != nil {
		val, err := r.redis.Get(ctx, cacheKey).Result()
		if err == nil {
			var product models.Product
			if err := json.Unmarshal([]byte(val), &product); err == nil {
				return &product, nil
			}
		}
	}

	var product models.Product
	if err := r.db.WithContext(ctx).Where("id = ?", productID).First(&product).Error; err != nil {
		return nil, err
	}

	if r.redis != nil {
		if data, err := json.Marshal(product); err == nil {
			r.redis.Set(ctx, cacheKey, data, ProductCacheTTL)
		}
	}

	return &product, nil
}

// GetProducts retrieves products with filters and pagination
func (r *ProductsRepository) GetProducts(ctx context.Context, filter *models.ProductFilter) ([]models.Product, int64, error) {
	var products []models.Product
	var total int64

	query := r.db.WithContext(ctx).Model(&models.Product{})

	if filter.SKU != nil && *filter.SKU != "" {
		query = query.Where("normalized_sku LIKE ?", "%"+models.NormalizeSKU(*filter.SKU)+"%")
	}
	if filter.Name != nil && *filter.Name != "" {
		query = query.Where("name ILIKE ?", "%"+*filter.Name+"%")
	}
	if filter.Description != nil && *filter.Description != "" {
		query = query.Where("description ILIKE ?", "%"+*filter.Description+"%")
	}
	if filter.Active != nil {
		query = query.Where("active = ?", *filter.Active)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (filter.Page - 1) * filter.PageSize
	if err := query.Order("created_at DESC").Offset(offset).Limit(filter.PageSize).Find(&products).Error; err != nil {
		return nil, 0, err
	}

	return products, total, nil
}

// UpdateProduct applies a partial update and invalidates cache
func (r *ProductsRepository) UpdateProduct(ctx context.Context, productID uuid.UUID, req *models.UpdateProductRequest) (*models.Product, error) {
	var product models.Product
	if err := r.db.WithContext(ctx).Where("id = ?", productID).First(&product).Error; err != nil {
		return nil, err
	}

	updates := map[string]interface{}{
		"updated_at": time.Now(),
	}

	if req.SKU != nil && *req.SKU != "" {
		normalized := models.NormalizeSKU(*req.SKU)
		if normalized != product.NormalizedSKU {
			var count int64
			if err := r.db.WithContext(ctx).Model(&models.Product{}).
				Where("normalized_sku = ? AND id != ?", normalized, productID).
				Count(&count).Error; err != nil {
				return nil, err
			}
			if count > 0 {
				return nil, ErrDuplicateSKU
			}
		}
		updates["sku"] = *req.SKU
		updates["normalized_sku"] = normalized
	}
	if req.Name != nil {
		updates["name"] = *req.Name
	}
	if req.Description != nil {
		updates["description"] = *req.Description
	}
	if req.Active != nil {
		updates["active"] = *req.Active
	}

	if err := r.db.WithContext(ctx).Model(&models.Product{}).
		Where("id = ?", productID).
		Updates(updates).Error; err != nil {
		return nil, err
	}

	r.invalidateProductCache(ctx, productID)

	if err := r.db.WithContext(ctx).Where("id = ?", productID).First(&product).Error; err != nil {
		return nil, err
	}
	return &product, nil
}

// DeleteProduct deletes a product by ID. Returns gorm.ErrRecordNotFound
// when the id is unknown.
func (r *ProductsRepository) DeleteProduct(ctx context.Context, productID uuid.UUID) (*models.Product, error) {
	var product models.Product
	if err := r.db.WithContext(ctx).Where("id = ?", productID).First(&product).Error; err != nil {
		return nil, err
	}

	if err := r.db.WithContext(ctx).Where("id = ?", productID).Delete(&models.Product{}).Error; err != nil {
		return nil, err
	}

	r.invalidateProductCache(ctx, productID)
	return &product, nil
}

// DeleteAllProducts removes every product and returns the deleted count
func (r *ProductsRepository) DeleteAllProducts(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).Where("1 = 1").Delete(&models.Product{})
	return result.RowsAffected, result.Error
}

// BulkUpsertResult represents the per-row outcome of a committed batch.
// Created and Updated reference the same structs that were passed in, with
// IDs and timestamps filled in.
type BulkUpsertResult struct {
	Created []*models.Product
	Updated []*models.Product
}

// BulkUpsert applies one batch of products as a single transaction keyed by
// normalized SKU: existing rows are updated in place, the rest are inserted.
// Either the whole batch commits or none of it does; on error the returned
// result is nil and the caller treats every row in the batch as failed.
func (r *ProductsRepository) BulkUpsert(ctx context.Context, products []*models.Product) (*BulkUpsertResult, error) {
	result := &BulkUpsertResult{
		Created: make([]*models.Product, 0, len(products)),
		Updated: make([]*models.Product, 0),
	}

	if len(products) == 0 {
		return result, nil
	}

	keys := make([]string, 0, len(products))
	for _, p := range products {
		p.NormalizedSKU = models.NormalizeSKU(p.SKU)
		keys = append(keys, p.NormalizedSKU)
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []models.Product
		if err := tx.Where("normalized_sku IN ?", keys).Find(&existing).Error; err != nil {
			return fmt.Errorf("failed to look up existing SKUs: %w", err)
		}

		bySKU := make(map[string]*models.Product, len(existing))
		for i := range existing {
			bySKU[existing[i].NormalizedSKU] = &existing[i]
		}

		now := time.Now()
		for _, product := range products {
			product.UpdatedAt = now

			if current, ok := bySKU[product.NormalizedSKU]; ok {
				product.ID = current.ID
				product.CreatedAt = current.CreatedAt

				if err := tx.Model(&models.Product{}).
					Where("id = ?", current.ID).
					Updates(map[string]interface{}{
						"sku":         product.SKU,
						"name":        product.Name,
						"description": product.Description,
						"active":      product.Active,
						"updated_at":  now,
					}).Error; err != nil {
					return fmt.Errorf("failed to update product %s: %w", product.SKU, err)
				}
				result.Updated = append(result.Updated, product)
			} else {
				if product.ID == uuid.Nil {
					product.ID = uuid.New()
				}
				product.CreatedAt = now

				if err := tx.Create(product).Error; err != nil {
					return fmt.Errorf("failed to create product %s: %w", product.SKU, err)
				}
				result.Created = append(result.Created, product)
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, p := range result.Updated {
		r.invalidateProductCache(ctx, p.ID)
	}

	return result, nil
}
