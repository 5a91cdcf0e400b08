package rules

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, raw string) map[string]interface{} {
	t.Helper()
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &payload))
	return payload
}

func TestLookup(t *testing.T) {
	payload := decode(t, `{
		"order_id": "ord-1",
		"total": 149.99,
		"customer": {"email": "jo@example.com", "vip": true},
		"items": [{"sku": "A-1"}, {"sku": "B-2"}],
		"coupon": null
	}`)

	tests := []struct {
		name  string
		path  string
		want  interface{}
		found bool
	}{
		{"top level string", "order_id", "ord-1", true},
		{"top level number", "total", 149.99, true},
		{"nested field", "customer.email", "jo@example.com", true},
		{"nested bool", "customer.vip", true, true},
		{"array index", "items.1.sku", "B-2", true},
		{"null value resolves", "coupon", nil, true},
		{"missing key", "warehouse", nil, false},
		{"missing nested key", "customer.phone", nil, false},
		{"index out of range", "items.5.sku", nil, false},
		{"non-numeric index", "items.first.sku", nil, false},
		{"descend into scalar", "order_id.x", nil, false},
		{"empty path", "", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found := Lookup(payload, tt.path)
			require.Equal(t, tt.found, found)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateOperators(t *testing.T) {
	payload := decode(t, `{
		"status": "paid",
		"total": 250,
		"customer": {"email": "jo@example.com"},
		"tags": ["rush", "gift"],
		"coupon": null
	}`)

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"eq match", Filter{Path: "status", Operator: OpEq, Value: "paid"}, true},
		{"eq mismatch", Filter{Path: "status", Operator: OpEq, Value: "refunded"}, false},
		{"eq numeric across types", Filter{Path: "total", Operator: OpEq, Value: 250}, true},
		{"eq nil matches missing path", Filter{Path: "warehouse", Operator: OpEq, Value: nil}, true},
		{"eq nil matches null value", Filter{Path: "coupon", Operator: OpEq, Value: nil}, true},
		{"eq nil rejects present value", Filter{Path: "status", Operator: OpEq, Value: nil}, false},
		{"eq missing path", Filter{Path: "warehouse", Operator: OpEq, Value: "x"}, false},
		{"neq match", Filter{Path: "status", Operator: OpNeq, Value: "refunded"}, true},
		{"neq mismatch", Filter{Path: "status", Operator: OpNeq, Value: "paid"}, false},
		{"neq missing path matches", Filter{Path: "warehouse", Operator: OpNeq, Value: "x"}, true},
		{"neq nil rejects null value", Filter{Path: "coupon", Operator: OpNeq, Value: nil}, false},
		{"neq nil matches present value", Filter{Path: "status", Operator: OpNeq, Value: nil}, true},
		{"exists present", Filter{Path: "customer.email", Operator: OpExists}, true},
		{"exists missing", Filter{Path: "customer.phone", Operator: OpExists}, false},
		{"exists null", Filter{Path: "coupon", Operator: OpExists}, false},
		{"gte equal", Filter{Path: "total", Operator: OpGte, Value: 250}, true},
		{"gte above", Filter{Path: "total", Operator: OpGte, Value: 100.5}, true},
		{"gte below", Filter{Path: "total", Operator: OpGte, Value: 300}, false},
		{"gte non-numeric value", Filter{Path: "status", Operator: OpGte, Value: 10}, false},
		{"gte missing path", Filter{Path: "warehouse", Operator: OpGte, Value: 10}, false},
		{"lte equal", Filter{Path: "total", Operator: OpLte, Value: 250}, true},
		{"lte above", Filter{Path: "total", Operator: OpLte, Value: 100}, false},
		{"contains substring", Filter{Path: "customer.email", Operator: OpContains, Value: "@example.com"}, true},
		{"contains substring miss", Filter{Path: "customer.email", Operator: OpContains, Value: "@other.com"}, false},
		{"contains array member", Filter{Path: "tags", Operator: OpContains, Value: "rush"}, true},
		{"contains array miss", Filter{Path: "tags", Operator: OpContains, Value: "bulk"}, false},
		{"contains missing path", Filter{Path: "warehouse", Operator: OpContains, Value: "x"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Evaluate([]Filter{tt.filter}, payload)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateConjunction(t *testing.T) {
	payload := decode(t, `{"status": "paid", "total": 250}`)

	matched, err := Evaluate([]Filter{
		{Path: "status", Operator: OpEq, Value: "paid"},
		{Path: "total", Operator: OpGte, Value: 100},
	}, payload)
	require.NoError(t, err)
	require.True(t, matched)

	matched, err = Evaluate([]Filter{
		{Path: "status", Operator: OpEq, Value: "paid"},
		{Path: "total", Operator: OpGte, Value: 1000},
	}, payload)
	require.NoError(t, err)
	require.False(t, matched)

	// No filters means the rule matches every event of its trigger type
	matched, err = Evaluate(nil, payload)
	require.NoError(t, err)
	require.True(t, matched)
}

func TestEvaluateUnknownOperator(t *testing.T) {
	payload := decode(t, `{"status": "paid"}`)

	_, err := Evaluate([]Filter{{Path: "status", Operator: "between", Value: 1}}, payload)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown filter operator")
}

func TestDecodeFilters(t *testing.T) {
	filters, err := DecodeFilters([]byte(`[{"path":"total","operator":"gte","value":100}]`))
	require.NoError(t, err)
	require.Len(t, filters, 1)
	require.Equal(t, "total", filters[0].Path)
	require.Equal(t, OpGte, filters[0].Operator)

	filters, err = DecodeFilters(nil)
	require.NoError(t, err)
	require.Nil(t, filters)

	_, err = DecodeFilters([]byte(`{"not":"an array"}`))
	require.Error(t, err)
}

func TestDecodeActions(t *testing.T) {
	actions, err := DecodeActions([]byte(`[{"channel":"email","recipient_path":"customer.email","template_key":"order-paid","delay_seconds":300}]`))
	require.NoError(t, err)
	require.Len(t, actions, 1)
	require.Equal(t, "email", actions[0].Channel)
	require.Equal(t, "customer.email", actions[0].RecipientPath)
	require.Equal(t, "order-paid", actions[0].TemplateKey)
	require.Equal(t, 300, actions[0].DelaySeconds)

	actions, err = DecodeActions(nil)
	require.NoError(t, err)
	require.Nil(t, actions)
}
