package qbo

import "encoding/json"

// EntityType names one of the four synchronized QuickBooks collections.
type EntityType string

const (
	EntityCustomers EntityType = "customers"
	EntityVendors   EntityType = "vendors"
	EntityItems     EntityType = "items"
	EntityInvoices  EntityType = "invoices"
)

// EntityTypes lists all synchronized collections in fetch order.
var EntityTypes = []EntityType{EntityCustomers, EntityVendors, EntityItems, EntityInvoices}

// apiName maps an entity type to its name in the QuickBooks query dialect
// and response payloads.
var apiName = map[EntityType]string{
	EntityCustomers: "Customer",
	EntityVendors:   "Vendor",
	EntityItems:     "Item",
	EntityInvoices:  "Invoice",
}

// Customer is a normalized QuickBooks customer record.
type Customer struct {
	ID          string  `json:"id"`
	DisplayName string  `json:"display_name"`
	CompanyName string  `json:"company_name,omitempty"`
	Email       string  `json:"email,omitempty"`
	Active      bool    `json:"active"`
	Balance     float64 `json:"balance"`
}

// Vendor is a normalized QuickBooks vendor record.
type Vendor struct {
	ID          string  `json:"id"`
	DisplayName string  `json:"display_name"`
	CompanyName string  `json:"company_name,omitempty"`
	Email       string  `json:"email,omitempty"`
	Active      bool    `json:"active"`
	Balance     float64 `json:"balance"`
}

// Item is a normalized QuickBooks item (product/service) record.
type Item struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	SKU         string  `json:"sku,omitempty"`
	Type        string  `json:"type,omitempty"`
	Active      bool    `json:"active"`
	UnitPrice   float64 `json:"unit_price"`
}

// Invoice is a normalized QuickBooks invoice record. CustomerID is a weak
// reference into the customer collection.
type Invoice struct {
	ID           string  `json:"id"`
	DocNumber    string  `json:"doc_number,omitempty"`
	CustomerID   string  `json:"customer_id,omitempty"`
	CustomerName string  `json:"customer_name,omitempty"`
	TotalAmt     float64 `json:"total_amt"`
	Balance      float64 `json:"balance"`
	TxnDate      string  `json:"txn_date,omitempty"`
}

// Raw shapes as QuickBooks returns them. Fields the daemon does not use are
// dropped during normalization.

type emailAddr struct {
	Address string `json:"Address"`
}

type rawCustomer struct {
	ID               string     `json:"Id"`
	DisplayName      string     `json:"DisplayName"`
	CompanyName      string     `json:"CompanyName"`
	PrimaryEmailAddr *emailAddr `json:"PrimaryEmailAddr"`
	Active           *bool      `json:"Active"`
	Balance          float64    `json:"Balance"`
}

type rawVendor struct {
	ID               string     `json:"Id"`
	DisplayName      string     `json:"DisplayName"`
	CompanyName      string     `json:"CompanyName"`
	PrimaryEmailAddr *emailAddr `json:"PrimaryEmailAddr"`
	Active           *bool      `json:"Active"`
	Balance          float64    `json:"Balance"`
}

type rawItem struct {
	ID          string  `json:"Id"`
	Name        string  `json:"Name"`
	Description string  `json:"Description"`
	SKU         string  `json:"Sku"`
	Type        string  `json:"Type"`
	Active      *bool   `json:"Active"`
	UnitPrice   float64 `json:"UnitPrice"`
}

type rawRef struct {
	Value string `json:"value"`
	Name  string `json:"name"`
}

type rawInvoice struct {
	ID          string  `json:"Id"`
	DocNumber   string  `json:"DocNumber"`
	CustomerRef *rawRef `json:"CustomerRef"`
	TotalAmt    float64 `json:"TotalAmt"`
	Balance     float64 `json:"Balance"`
	TxnDate     string  `json:"TxnDate"`
}

// activeOrDefault applies the QuickBooks convention that a missing Active
// flag means active.
func activeOrDefault(v *bool) bool {
	if v == nil {
		return true
	}
	return *v
}

func normalizeCustomer(r rawCustomer) Customer {
	c := Customer{
		ID:          r.ID,
		DisplayName: r.DisplayName,
		CompanyName: r.CompanyName,
		Active:      activeOrDefault(r.Active),
		Balance:     r.Balance,
	}
	if c.CompanyName == "" {
		c.CompanyName = r.DisplayName
	}
	if r.PrimaryEmailAddr != nil {
		c.Email = r.PrimaryEmailAddr.Address
	}
	return c
}

func normalizeVendor(r rawVendor) Vendor {
	v := Vendor{
		ID:          r.ID,
		DisplayName: r.DisplayName,
		CompanyName: r.CompanyName,
		Active:      activeOrDefault(r.Active),
		Balance:     r.Balance,
	}
	if v.CompanyName == "" {
		v.CompanyName = r.DisplayName
	}
	if r.PrimaryEmailAddr != nil {
		v.Email = r.PrimaryEmailAddr.Address
	}
	return v
}

func normalizeItem(r rawItem) Item {
	return Item{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		SKU:         r.SKU,
		Type:        r.Type,
		Active:      activeOrDefault(r.Active),
		UnitPrice:   r.UnitPrice,
	}
}

func normalizeInvoice(r rawInvoice) Invoice {
	inv := Invoice{
		ID:        r.ID,
		DocNumber: r.DocNumber,
		TotalAmt:  r.TotalAmt,
		Balance:   r.Balance,
		TxnDate:   r.TxnDate,
	}
	if r.CustomerRef != nil {
		inv.CustomerID = r.CustomerRef.Value
		inv.CustomerName = r.CustomerRef.Name
	}
	return inv
}

// queryResponse is the envelope QuickBooks wraps around query results. The
// entity array is keyed by the entity's API name; an absent key means an
// empty page.
type queryResponse struct {
	QueryResponse map[string]json.RawMessage `json:"QueryResponse"`
}
