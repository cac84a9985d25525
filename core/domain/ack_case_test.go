package domain

import (
	"reflect"
	"testing"
)

func TestCanonicalField(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"supplier_reference", FieldSupplierReference},
		{"Supplier_Order_Number", FieldSupplierReference},
		{"sales_order", FieldSupplierReference},
		{"confirmed_delivery_date", FieldDeliveryDate},
		{"SHIP_DATE", FieldDeliveryDate},
		{"qty", FieldQuantity},
		{"confirmed_quantity", FieldQuantity},
		{"unknown_field", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := CanonicalField(tt.in); got != tt.want {
			t.Errorf("CanonicalField(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeMissingFields(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{
			name: "aliases collapse and order is canonical",
			in:   []string{"qty", "sales_order", "ship_date"},
			want: []string{FieldSupplierReference, FieldDeliveryDate, FieldQuantity},
		},
		{
			name: "duplicates collapse",
			in:   []string{"quantity", "qty", "confirmed_quantity"},
			want: []string{FieldQuantity},
		},
		{
			name: "unknown names are dropped",
			in:   []string{"color", "delivery_date"},
			want: []string{FieldDeliveryDate},
		},
		{
			name: "empty input stays empty",
			in:   nil,
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeMissingFields(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("NormalizeMissingFields(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestFullyConfirmed(t *testing.T) {
	c := &Case{MissingFields: []string{FieldQuantity}}
	if c.FullyConfirmed() {
		t.Error("case with missing fields reported as fully confirmed")
	}
	c.MissingFields = []string{}
	if !c.FullyConfirmed() {
		t.Error("case with no missing fields not reported as fully confirmed")
	}
}

func TestDetectDirection(t *testing.T) {
	tests := []struct {
		from  string
		buyer string
		want  MessageDirection
	}{
		{"Supplier <sales@steelco.com>", "buyer@acme.com", DirectionInbound},
		{"Buyer <buyer@acme.com>", "buyer@acme.com", DirectionOutbound},
		{"BUYER@ACME.COM", "buyer@acme.com", DirectionOutbound},
		{"sales@steelco.com", "", DirectionInbound},
	}
	for _, tt := range tests {
		if got := DetectDirection(tt.from, tt.buyer); got != tt.want {
			t.Errorf("DetectDirection(%q, %q) = %s, want %s", tt.from, tt.buyer, got, tt.want)
		}
	}
}
