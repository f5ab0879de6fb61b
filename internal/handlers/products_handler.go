package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"product-import-service/internal/models"
	"product-import-service/internal/repository"
	"product-import-service/internal/webhooks"
)

type ProductsHandler struct {
	repo            *repository.ProductsRepository
	dispatcher      *webhooks.Dispatcher
	defaultPageSize int
	maxPageSize     int
}

func NewProductsHandler(repo *repository.ProductsRepository, dispatcher *webhooks.Dispatcher, defaultPageSize, maxPageSize int) *ProductsHandler {
	return &ProductsHandler{
		repo:            repo,
		dispatcher:      dispatcher,
		defaultPageSize: defaultPageSize,
		maxPageSize:     maxPageSize,
	}
}

// CreateProduct creates a new product
// POST /api/v1/products
func (h *ProductsHandler) CreateProduct(c *gin.Context) {
	var req models.CreateProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Success: false,
			Error: models.Error{
				Code:    "VALIDATION_ERROR",
				Message: err.Error(),
			},
		})
		return
	}

	product := &models.Product{
		SKU:         req.SKU,
		Name:        req.Name,
		Description: req.Description,
		Active:      true,
	}
	if req.Active != nil {
		product.Active = *req.Active
	}

	if err := h.repo.CreateProduct(c.Request.Context(), product); err != nil {
		if errors.Is(err, repository.ErrDuplicateSKU) {
			c.JSON(http.StatusConflict, models.ErrorResponse{
				Success: false,
				Error: models.Error{
					Code:    "DUPLICATE_SKU",
					Message: "A product with this SKU already exists",
					Field:   "sku",
				},
			})
			return
		}
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Success: false,
			Error: models.Error{
				Code:    "INTERNAL_ERROR",
				Message: "Failed to create product",
			},
		})
		return
	}

	h.dispatcher.Dispatch(c.Request.Context(), models.EventProductCreated, product)

	c.JSON(http.StatusCreated, product)
}

// GetProducts lists products with filtering and pagination
// GET /api/v1/products
func (h *ProductsHandler) GetProducts(c *gin.Context) {
	filter := &models.ProductFilter{
		Page:     1,
		PageSize: h.defaultPageSize,
	}

	if v := c.Query("sku"); v != "" {
		filter.SKU = &v
	}
	if v := c.Query("name"); v != "" {
		filter.Name = &v
	}
	if v := c.Query("description"); v != "" {
		filter.Description = &v
	}
	if v := c.Query("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, models.ErrorResponse{
				Success: false,
				Error: models.Error{
					Code:    "VALIDATION_ERROR",
					Message: "active must be true or false",
					Field:   "active",
				},
			})
			return
		}
		filter.Active = &active
	}
	if v := c.Query("page"); v != "" {
		if page, err := strconv.Atoi(v); err == nil && page > 0 {
			filter.Page = page
		}
	}
	if v := c.Query("page_size"); v != "" {
		if size, err := strconv.Atoi(v); err == nil && size > 0 {
			filter.PageSize = size
		}
	}
	if filter.PageSize > h.maxPageSize {
		filter.PageSize = h.maxPageSize
	}

	products, total, err := h.repo.GetProducts(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Success: false,
			Error: models.Error{
				Code:    "INTERNAL_ERROR",
				Message: "Failed to list products",
			},
		})
		return
	}

	totalPages := int(total) / filter.PageSize
	if int(total)%filter.PageSize > 0 {
		totalPages++
	}

	c.JSON(http.StatusOK, models.ProductListResponse{
		Items:      products,
		Total:      total,
		Page:       filter.Page,
		PageSize:   filter.PageSize,
		TotalPages: totalPages,
	})
}

// GetProduct retrieves a single product by ID
// GET /api/v1/products/:id
func (h *ProductsHandler) GetProduct(c *gin.Context) {
	productID, ok := h.parseID(c)
	if !ok {
		return
	}

	product, err := h.repo.GetProductByID(c.Request.Context(), productID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			h.notFound(c)
			return
		}
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Success: false,
			Error: models.Error{
				Code:    "INTERNAL_ERROR",
				Message: "Failed to fetch product",
			},
		})
		return
	}

	c.JSON(http.StatusOK, product)
}

// UpdateProduct applies a partial update to a product
// PUT /api/v1/products/:id
func (h *ProductsHandler) UpdateProduct(c *gin.Context) {
	productID, ok := h.parseID(c)
	if !ok {
		return
	}

	var req models.UpdateProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Success: false,
			Error: models.Error{
				Code:    "VALIDATION_ERROR",
				Message: err.Error(),
			},
		})
		return
	}

	product, err := h.repo.UpdateProduct(c.Request.Context(), productID, &req)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			h.notFound(c)
			return
		}
		if errors.Is(err, repository.ErrDuplicateSKU) {
			c.JSON(http.StatusConflict, models.ErrorResponse{
				Success: false,
				Error: models.Error{
					Code:    "DUPLICATE_SKU",
					Message: "A product with this SKU already exists",
					Field:   "sku",
				},
			})
			return
		}
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Success: false,
			Error: models.Error{
				Code:    "INTERNAL_ERROR",
				Message: "Failed to update product",
			},
		})
		return
	}

	h.dispatcher.Dispatch(c.Request.Context(), models.EventProductUpdated, product)

	c.JSON(http.StatusOK, product)
}

// DeleteProduct deletes a product by ID
// DELETE /api/v1/products/:id
func (h *ProductsHandler) DeleteProduct(c *gin.Context) {
	productID, ok := h.parseID(c)
	if !ok {
		return
	}

	product, err := h.repo.DeleteProduct(c.Request.Context(), productID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			h.notFound(c)
			return
		}
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Success: false,
			Error: models.Error{
				Code:    "INTERNAL_ERROR",
				Message: "Failed to delete product",
			},
		})
		return
	}

	h.dispatcher.Dispatch(c.Request.Context(), models.EventProductDeleted, product)

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Product deleted",
	})
}

// DeleteAllProducts removes every product
// DELETE /api/v1/products/bulk/all
func (h *ProductsHandler) DeleteAllProducts(c *gin.Context) {
	count, err := h.repo.DeleteAllProducts(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Success: false,
			Error: models.Error{
				Code:    "INTERNAL_ERROR",
				Message: "Failed to delete products",
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"deleted_count": count,
	})
}

func (h *ProductsHandler) parseID(c *gin.Context) (uuid.UUID, bool) {
	productID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Success: false,
			Error: models.Error{
				Code:    "VALIDATION_ERROR",
				Message: "Invalid product ID",
				Field:   "id",
			},
		})
		return uuid.Nil, false
	}
	return productID, true
}

func (h *ProductsHandler) notFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, models.ErrorResponse{
		Success: false,
		Error: models.Error{
			Code:    "PRODUCT_NOT_FOUND",
			Message: "Product not found",
		},
	})
}
