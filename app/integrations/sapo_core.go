package integrations

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"agent_sapo/app/session"
	"agent_sapo/utility/httpclient"
	"agent_sapo/utility/logger"

	"github.com/sirupsen/logrus"
)

// SapoCore là repository cho Admin API của Sapo (base URL đã gồm /admin)
type SapoCore struct {
	r   Requester
	log *logrus.Logger
}

// NewSapoCore tạo repository Admin API trên requester
func NewSapoCore(r Requester) *SapoCore {
	return &SapoCore{r: r, log: logger.GetLogger("sapo")}
}

func (c *SapoCore) get(ctx context.Context, path string, params map[string]string) (map[string]interface{}, error) {
	return c.r.RequestJSON(ctx, session.ScopeCore, http.MethodGet, path, httpclient.Options{Params: params})
}

func (c *SapoCore) put(ctx context.Context, path string, body interface{}) (map[string]interface{}, error) {
	return c.r.RequestJSON(ctx, session.ScopeCore, http.MethodPut, path, httpclient.Options{Body: body})
}

// ==================== ORDERS ====================

// ListOrders lấy danh sách đơn hàng
// Tham số:
//   - filters: page, limit, status, created_on_min, created_on_max, query...
//
// Trả về: {"orders": [...], "metadata": {"total", "page", "limit"}}
func (c *SapoCore) ListOrders(ctx context.Context, filters Filters) (map[string]interface{}, error) {
	c.log.WithField("filters", filters).Debug("[SapoCore] list orders")
	return c.get(ctx, "orders.json", filters)
}

// GetOrder lấy một đơn hàng theo id: {"order": {...}}
func (c *SapoCore) GetOrder(ctx context.Context, orderID int64) (map[string]interface{}, error) {
	return c.get(ctx, fmt.Sprintf("orders/%d.json", orderID), nil)
}

// GetOrderByReference tìm đơn theo mã đơn sàn (reference_number).
// Không tìm thấy trả về nil, nil.
func (c *SapoCore) GetOrderByReference(ctx context.Context, reference string) (map[string]interface{}, error) {
	data, err := c.get(ctx, "orders.json", map[string]string{
		"query": reference,
		"limit": "1",
		"page":  "1",
	})
	if err != nil {
		return nil, err
	}
	orders := ListOf(data, "orders")
	if len(orders) == 0 {
		return nil, nil
	}
	return orders[0], nil
}

// ==================== CUSTOMERS ====================

// GetCustomer lấy khách hàng: {"customer": {...}}
func (c *SapoCore) GetCustomer(ctx context.Context, customerID int64) (map[string]interface{}, error) {
	return c.get(ctx, fmt.Sprintf("customers/%d.json", customerID), nil)
}

// UpdateCustomer cập nhật các field của khách hàng (PUT với body {"customer": data})
func (c *SapoCore) UpdateCustomer(ctx context.Context, customerID int64, data map[string]interface{}) (map[string]interface{}, error) {
	c.log.WithField("customer_id", customerID).Info("[SapoCore] update customer")
	return c.put(ctx, fmt.Sprintf("customers/%d.json", customerID), map[string]interface{}{"customer": data})
}

// UpdateCustomerAddress cập nhật một địa chỉ của khách hàng
func (c *SapoCore) UpdateCustomerAddress(ctx context.Context, customerID, addressID int64, data map[string]interface{}) (map[string]interface{}, error) {
	c.log.WithFields(logrus.Fields{"customer_id": customerID, "address_id": addressID}).Info("[SapoCore] update customer address")
	return c.put(ctx, fmt.Sprintf("customers/%d/addresses/%d.json", customerID, addressID), map[string]interface{}{"address": data})
}

// ==================== PRODUCTS / VARIANTS ====================

// ListProducts lấy danh sách product (page, limit, status...): {"products": [...]}
func (c *SapoCore) ListProducts(ctx context.Context, filters Filters) (map[string]interface{}, error) {
	return c.get(ctx, "products.json", filters)
}

// GetProduct lấy product cùng variants: {"product": {...}}
func (c *SapoCore) GetProduct(ctx context.Context, productID int64) (map[string]interface{}, error) {
	return c.get(ctx, fmt.Sprintf("products/%d.json", productID), nil)
}

// UpdateProduct cập nhật product (description, tags...) với body {"product": data}
func (c *SapoCore) UpdateProduct(ctx context.Context, productID int64, data map[string]interface{}) (map[string]interface{}, error) {
	c.log.WithField("product_id", productID).Info("[SapoCore] update product")
	return c.put(ctx, fmt.Sprintf("products/%d.json", productID), map[string]interface{}{"product": data})
}

// GetVariant lấy một variant: {"variant": {...}}
func (c *SapoCore) GetVariant(ctx context.Context, variantID int64) (map[string]interface{}, error) {
	return c.get(ctx, fmt.Sprintf("variants/%d.json", variantID), nil)
}

// ListVariants lấy danh sách variant (page, limit, product_ids, query...)
func (c *SapoCore) ListVariants(ctx context.Context, filters Filters) (map[string]interface{}, error) {
	return c.get(ctx, "variants.json", filters)
}

// ListBrands lấy danh sách nhãn hiệu
func (c *SapoCore) ListBrands(ctx context.Context, filters Filters) (map[string]interface{}, error) {
	return c.get(ctx, "brands.json", filters)
}

// SearchBrands tìm nhãn hiệu theo query
func (c *SapoCore) SearchBrands(ctx context.Context, filters Filters) (map[string]interface{}, error) {
	return c.get(ctx, "brands/search.json", filters)
}

// ==================== ORDER SOURCES / PROVIDERS ====================

// ListOrderSources lấy nguồn đơn: {"order_sources": [...]}
func (c *SapoCore) ListOrderSources(ctx context.Context, filters Filters) (map[string]interface{}, error) {
	return c.get(ctx, "order_sources.json", filters)
}

// GetOrderSource lấy một nguồn đơn
func (c *SapoCore) GetOrderSource(ctx context.Context, sourceID int64) (map[string]interface{}, error) {
	return c.get(ctx, fmt.Sprintf("order_sources/%d.json", sourceID), nil)
}

// ListDeliveryProviders lấy đơn vị vận chuyển: {"delivery_service_providers": [...]}
func (c *SapoCore) ListDeliveryProviders(ctx context.Context, filters Filters) (map[string]interface{}, error) {
	return c.get(ctx, "delivery_service_providers.json", filters)
}

// GetDeliveryProvider lấy một đơn vị vận chuyển: {"delivery_service_provider": {...}}
func (c *SapoCore) GetDeliveryProvider(ctx context.Context, providerID int64) (map[string]interface{}, error) {
	return c.get(ctx, fmt.Sprintf("delivery_service_providers/%d.json", providerID), nil)
}

// ==================== SHIPMENTS / FULFILLMENTS ====================

// ListShipments lấy vận đơn
func (c *SapoCore) ListShipments(ctx context.Context, filters Filters) (map[string]interface{}, error) {
	return c.get(ctx, "shipments.json", filters)
}

// GetShipment lấy vận đơn theo fulfillment id
func (c *SapoCore) GetShipment(ctx context.Context, fulfillmentID int64) (map[string]interface{}, error) {
	return c.get(ctx, fmt.Sprintf("shipments/%d.json", fulfillmentID), nil)
}

// UpdateShipmentNote sửa ghi chú vận đơn. Endpoint này nhận form, không nhận JSON.
func (c *SapoCore) UpdateShipmentNote(ctx context.Context, shipmentID int64, note string) (map[string]interface{}, error) {
	c.log.WithField("shipment_id", shipmentID).Info("[SapoCore] update shipment note")
	form := url.Values{}
	form.Set("id", itoa(shipmentID))
	form.Set("note", note)
	return c.r.RequestJSON(ctx, session.ScopeCore, http.MethodPost, "shipments/update", httpclient.Options{Form: form})
}

// ListFulfillments lấy danh sách fulfillment
func (c *SapoCore) ListFulfillments(ctx context.Context, filters Filters) (map[string]interface{}, error) {
	return c.get(ctx, "fulfillments.json", filters)
}

// UpdateFulfillment cập nhật fulfillment với body {"fulfillment": data}
func (c *SapoCore) UpdateFulfillment(ctx context.Context, fulfillmentID int64, data map[string]interface{}) (map[string]interface{}, error) {
	c.log.WithField("fulfillment_id", fulfillmentID).Info("[SapoCore] update fulfillment")
	return c.put(ctx, fmt.Sprintf("fulfillments/%d.json", fulfillmentID), map[string]interface{}{"fulfillment": data})
}

// ==================== SUPPLIERS ====================

// ListSuppliers lấy nhà cung cấp
func (c *SapoCore) ListSuppliers(ctx context.Context, filters Filters) (map[string]interface{}, error) {
	return c.get(ctx, "suppliers.json", filters)
}

// GetSupplier lấy một nhà cung cấp
func (c *SapoCore) GetSupplier(ctx context.Context, supplierID int64) (map[string]interface{}, error) {
	return c.get(ctx, fmt.Sprintf("suppliers/%d.json", supplierID), nil)
}

// UpdateSupplierAddress cập nhật địa chỉ nhà cung cấp
func (c *SapoCore) UpdateSupplierAddress(ctx context.Context, supplierID, addressID int64, data map[string]interface{}) (map[string]interface{}, error) {
	return c.put(ctx, fmt.Sprintf("suppliers/%d/addresses/%d.json", supplierID, addressID), map[string]interface{}{"address": data})
}

// DownloadRaw tải nội dung nhị phân (phiếu in PDF, ảnh) từ một path Admin API
func (c *SapoCore) DownloadRaw(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	return c.r.RequestRaw(ctx, session.ScopeCore, http.MethodGet, path, httpclient.Options{Params: params})
}
