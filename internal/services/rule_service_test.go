package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"example.com/storefront/services/notify/internal/models"
)

func validTestRule() *models.Rule {
	return &models.Rule{
		TenantID:         uuid.New(),
		Name:             "order paid email",
		TriggerEventType: "order.paid",
		Filters:          datatypes.JSON([]byte(`[{"path":"total","operator":"gte","value":100}]`)),
		Actions:          datatypes.JSON([]byte(`[{"channel":"email","recipient_path":"customer.email","template_key":"order-paid"}]`)),
		DedupeScope:      models.DedupeScopeOrder,
		Priority:         10,
		IsEnabled:        true,
	}
}

func TestCreateRule(t *testing.T) {
	mockRuleRepo := new(MockRuleRepository)
	service := &RuleService{ruleRepo: mockRuleRepo}

	rule := validTestRule()
	mockRuleRepo.On("Create", mock.Anything, rule).Return(nil)

	err := service.CreateRule(context.Background(), rule)

	require.NoError(t, err)
	mockRuleRepo.AssertExpectations(t)
}

func TestCreateRuleValidation(t *testing.T) {
	mockRuleRepo := new(MockRuleRepository)
	service := &RuleService{ruleRepo: mockRuleRepo}

	tests := []struct {
		name    string
		mutate  func(rule *models.Rule)
		wantErr string
	}{
		{
			"missing tenant",
			func(r *models.Rule) { r.TenantID = uuid.Nil },
			"tenant_id is required",
		},
		{
			"missing name",
			func(r *models.Rule) { r.Name = "" },
			"name is required",
		},
		{
			"missing trigger",
			func(r *models.Rule) { r.TriggerEventType = "" },
			"trigger_event_type is required",
		},
		{
			"malformed filters",
			func(r *models.Rule) { r.Filters = datatypes.JSON([]byte(`{"oops":1}`)) },
			"failed to decode rule filters",
		},
		{
			"no actions",
			func(r *models.Rule) { r.Actions = datatypes.JSON([]byte(`[]`)) },
			"at least one action",
		},
		{
			"action missing channel",
			func(r *models.Rule) {
				r.Actions = datatypes.JSON([]byte(`[{"recipient_path":"customer.email","template_key":"x"}]`))
			},
			"requires channel",
		},
		{
			"negative delay",
			func(r *models.Rule) {
				r.Actions = datatypes.JSON([]byte(`[{"channel":"email","recipient_path":"customer.email","template_key":"x","delay_seconds":-5}]`))
			},
			"must not be negative",
		},
		{
			"unknown dedupe scope",
			func(r *models.Rule) { r.DedupeScope = "warehouse" },
			"unknown dedupe scope",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := validTestRule()
			tt.mutate(rule)

			err := service.CreateRule(context.Background(), rule)

			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}

	// Nothing invalid ever reached storage
	mockRuleRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestUpdateRule(t *testing.T) {
	mockRuleRepo := new(MockRuleRepository)
	service := &RuleService{ruleRepo: mockRuleRepo}

	existing := validTestRule()
	existing.ID = uuid.New()

	updated := validTestRule()
	updated.ID = existing.ID
	updated.Priority = 99

	mockRuleRepo.On("GetByID", mock.Anything, existing.ID).Return(existing, nil)
	mockRuleRepo.On("Update", mock.Anything, updated).Return(nil)

	err := service.UpdateRule(context.Background(), updated)

	require.NoError(t, err)
	mockRuleRepo.AssertExpectations(t)
}

func TestDisableRule(t *testing.T) {
	mockRuleRepo := new(MockRuleRepository)
	service := &RuleService{ruleRepo: mockRuleRepo}

	existing := validTestRule()
	existing.ID = uuid.New()

	mockRuleRepo.On("GetByID", mock.Anything, existing.ID).Return(existing, nil)
	mockRuleRepo.On("Disable", mock.Anything, existing.ID).Return(nil)

	err := service.DisableRule(context.Background(), existing.ID)

	require.NoError(t, err)
	mockRuleRepo.AssertExpectations(t)
}
