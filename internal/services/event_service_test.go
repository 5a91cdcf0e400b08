package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"example.com/storefront/services/notify/config"
	"example.com/storefront/services/notify/internal/metrics"
	"example.com/storefront/services/notify/internal/models"
	"example.com/storefront/services/notify/internal/repositories"
	"example.com/storefront/services/notify/internal/tracing"
)

// Mock repositories for testing

type MockEventRepository struct {
	mock.Mock
}

func (m *MockEventRepository) Append(ctx context.Context, event *models.Event) (bool, error) {
	args := m.Called(ctx, event)
	return args.Bool(0), args.Error(1)
}

func (m *MockEventRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Event), args.Error(1)
}

func (m *MockEventRepository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockEventRepository) MarkError(ctx context.Context, id uuid.UUID, reason string) error {
	args := m.Called(ctx, id, reason)
	return args.Error(0)
}

func (m *MockEventRepository) ListPending(ctx context.Context, limit int) ([]models.Event, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]models.Event), args.Error(1)
}

type MockRuleRepository struct {
	mock.Mock
}

func (m *MockRuleRepository) Create(ctx context.Context, rule *models.Rule) error {
	args := m.Called(ctx, rule)
	return args.Error(0)
}

func (m *MockRuleRepository) Update(ctx context.Context, rule *models.Rule) error {
	args := m.Called(ctx, rule)
	return args.Error(0)
}

func (m *MockRuleRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Rule, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Rule), args.Error(1)
}

func (m *MockRuleRepository) ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]models.Rule, error) {
	args := m.Called(ctx, tenantID)
	return args.Get(0).([]models.Rule), args.Error(1)
}

func (m *MockRuleRepository) ListEnabled(ctx context.Context, tenantID uuid.UUID, eventType string) ([]models.Rule, error) {
	args := m.Called(ctx, tenantID, eventType)
	return args.Get(0).([]models.Rule), args.Error(1)
}

func (m *MockRuleRepository) Disable(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

type MockNotificationRepository struct {
	mock.Mock
}

func (m *MockNotificationRepository) Create(ctx context.Context, notification *models.Notification) (bool, error) {
	args := m.Called(ctx, notification)
	return args.Bool(0), args.Error(1)
}

func (m *MockNotificationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Notification, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Notification), args.Error(1)
}

func (m *MockNotificationRepository) List(ctx context.Context, filter repositories.NotificationFilter) ([]models.Notification, error) {
	args := m.Called(ctx, filter)
	return args.Get(0).([]models.Notification), args.Error(1)
}

func (m *MockNotificationRepository) ClaimDue(ctx context.Context, limit int, now time.Time) ([]models.Notification, error) {
	args := m.Called(ctx, limit, now)
	return args.Get(0).([]models.Notification), args.Error(1)
}

func (m *MockNotificationRepository) MarkSent(ctx context.Context, id uuid.UUID, attempt *models.Attempt) error {
	args := m.Called(ctx, id, attempt)
	return args.Error(0)
}

func (m *MockNotificationRepository) MarkFailure(ctx context.Context, id uuid.UUID, attempt *models.Attempt, nextRetry *time.Time) error {
	args := m.Called(ctx, id, attempt, nextRetry)
	return args.Error(0)
}

func (m *MockNotificationRepository) Cancel(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockNotificationRepository) Reschedule(ctx context.Context, id uuid.UUID, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

func (m *MockNotificationRepository) Reprocess(ctx context.Context, id uuid.UUID, resetAttempts bool) error {
	args := m.Called(ctx, id, resetAttempts)
	return args.Error(0)
}

func (m *MockNotificationRepository) RequeueStale(ctx context.Context, staleBefore time.Time) (int64, error) {
	args := m.Called(ctx, staleBefore)
	return args.Get(0).(int64), args.Error(1)
}

func newTestEventService(eventRepo *MockEventRepository, ruleRepo *MockRuleRepository, notificationRepo *MockNotificationRepository) *EventService {
	return &EventService{
		eventRepo:        eventRepo,
		ruleRepo:         ruleRepo,
		notificationRepo: notificationRepo,
		metrics:          metrics.NewMetrics(),
		tracer:           &tracing.NewRelicTracer{},
		engineCfg: config.EngineConfig{
			DefaultMaxAttempts: 3,
		},
	}
}

func testEvent(payload string) *models.Event {
	return &models.Event{
		ID:             uuid.New(),
		TenantID:       uuid.New(),
		EventType:      "order.paid",
		IdempotencyKey: uuid.NewString(),
		Payload:        datatypes.JSON([]byte(payload)),
		Status:         models.EventStatusPending,
	}
}

func testRule(tenantID uuid.UUID, filters, actions string) models.Rule {
	rule := models.Rule{
		ID:               uuid.New(),
		TenantID:         tenantID,
		Name:             "order paid email",
		TriggerEventType: "order.paid",
		Actions:          datatypes.JSON([]byte(actions)),
		IsEnabled:        true,
	}
	if filters != "" {
		rule.Filters = datatypes.JSON([]byte(filters))
	}
	return rule
}

func TestIngestEventDuplicateSkipsProcessing(t *testing.T) {
	mockEventRepo := new(MockEventRepository)
	mockRuleRepo := new(MockRuleRepository)
	mockNotificationRepo := new(MockNotificationRepository)
	service := newTestEventService(mockEventRepo, mockRuleRepo, mockNotificationRepo)

	event := testEvent(`{"order_id": "ord-1"}`)
	mockEventRepo.On("Append", mock.Anything, event).Return(false, nil)

	returned, isNew, err := service.IngestEvent(context.Background(), event)

	require.NoError(t, err)
	require.False(t, isNew)
	require.Equal(t, event, returned)

	// No rule evaluation, no scheduling for a duplicate submission
	mockRuleRepo.AssertNotCalled(t, "ListEnabled", mock.Anything, mock.Anything, mock.Anything)
	mockNotificationRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	mockEventRepo.AssertExpectations(t)
}

func TestIngestEventSchedulesMatchingActions(t *testing.T) {
	mockEventRepo := new(MockEventRepository)
	mockRuleRepo := new(MockRuleRepository)
	mockNotificationRepo := new(MockNotificationRepository)
	service := newTestEventService(mockEventRepo, mockRuleRepo, mockNotificationRepo)

	event := testEvent(`{"order_id": "ord-1", "total": 250, "customer": {"email": "jo@example.com"}}`)
	rule := testRule(event.TenantID,
		`[{"path":"total","operator":"gte","value":100}]`,
		`[{"channel":"email","recipient_path":"customer.email","template_key":"order-paid","delay_seconds":60}]`)

	mockEventRepo.On("Append", mock.Anything, event).Return(true, nil)
	mockRuleRepo.On("ListEnabled", mock.Anything, event.TenantID, "order.paid").
		Return([]models.Rule{rule}, nil)
	mockNotificationRepo.On("Create", mock.Anything, mock.AnythingOfType("*models.Notification")).
		Return(true, nil)
	mockEventRepo.On("MarkProcessed", mock.Anything, event.ID).Return(nil)

	before := time.Now().UTC()
	_, isNew, err := service.IngestEvent(context.Background(), event)

	require.NoError(t, err)
	require.True(t, isNew)

	created := mockNotificationRepo.Calls[0].Arguments.Get(1).(*models.Notification)
	require.Equal(t, event.TenantID, created.TenantID)
	require.Equal(t, rule.ID, created.RuleID)
	require.Equal(t, event.ID, created.EventID)
	require.Equal(t, "email", created.Channel)
	require.Equal(t, "jo@example.com", created.Recipient)
	require.Equal(t, "order-paid", created.TemplateKey)
	require.Equal(t, models.NotificationStatusScheduled, created.Status)
	require.Equal(t, 3, created.MaxAttempts)
	require.Nil(t, created.DedupeKey)
	// delay_seconds pushes the due time out
	require.True(t, created.ScheduledFor.After(before.Add(59*time.Second)))

	mockEventRepo.AssertExpectations(t)
	mockRuleRepo.AssertExpectations(t)
	mockNotificationRepo.AssertExpectations(t)
}

func TestProcessEventNonMatchingRule(t *testing.T) {
	mockEventRepo := new(MockEventRepository)
	mockRuleRepo := new(MockRuleRepository)
	mockNotificationRepo := new(MockNotificationRepository)
	service := newTestEventService(mockEventRepo, mockRuleRepo, mockNotificationRepo)

	event := testEvent(`{"total": 50}`)
	rule := testRule(event.TenantID,
		`[{"path":"total","operator":"gte","value":100}]`,
		`[{"channel":"email","recipient_path":"customer.email","template_key":"order-paid"}]`)

	mockRuleRepo.On("ListEnabled", mock.Anything, event.TenantID, "order.paid").
		Return([]models.Rule{rule}, nil)
	mockEventRepo.On("MarkProcessed", mock.Anything, event.ID).Return(nil)

	err := service.ProcessEvent(context.Background(), event)

	require.NoError(t, err)
	mockNotificationRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	mockEventRepo.AssertExpectations(t)
}

func TestProcessEventDedupeSuppression(t *testing.T) {
	mockEventRepo := new(MockEventRepository)
	mockRuleRepo := new(MockRuleRepository)
	mockNotificationRepo := new(MockNotificationRepository)
	service := newTestEventService(mockEventRepo, mockRuleRepo, mockNotificationRepo)

	event := testEvent(`{"order_id": "ord-1", "customer": {"email": "jo@example.com"}}`)
	rule := testRule(event.TenantID, "",
		`[{"channel":"email","recipient_path":"customer.email","template_key":"order-paid"}]`)
	rule.DedupeScope = models.DedupeScopeOrder

	mockRuleRepo.On("ListEnabled", mock.Anything, event.TenantID, "order.paid").
		Return([]models.Rule{rule}, nil)
	// Another non-terminal notification already holds this dedupe key
	mockNotificationRepo.On("Create", mock.Anything, mock.AnythingOfType("*models.Notification")).
		Return(false, nil)
	mockEventRepo.On("MarkProcessed", mock.Anything, event.ID).Return(nil)

	err := service.ProcessEvent(context.Background(), event)

	require.NoError(t, err)
	created := mockNotificationRepo.Calls[0].Arguments.Get(1).(*models.Notification)
	require.NotNil(t, created.DedupeKey)
	require.Equal(t, "order:ord-1", *created.DedupeKey)
	require.Equal(t, int64(1), service.metrics.GetCounters()[metrics.CounterDedupeSuppressed])
	mockEventRepo.AssertExpectations(t)
}

func TestProcessEventRecipientMissingSkipsAction(t *testing.T) {
	mockEventRepo := new(MockEventRepository)
	mockRuleRepo := new(MockRuleRepository)
	mockNotificationRepo := new(MockNotificationRepository)
	service := newTestEventService(mockEventRepo, mockRuleRepo, mockNotificationRepo)

	event := testEvent(`{"order_id": "ord-1"}`)
	rule := testRule(event.TenantID, "",
		`[{"channel":"email","recipient_path":"customer.email","template_key":"order-paid"}]`)

	mockRuleRepo.On("ListEnabled", mock.Anything, event.TenantID, "order.paid").
		Return([]models.Rule{rule}, nil)
	mockEventRepo.On("MarkProcessed", mock.Anything, event.ID).Return(nil)

	err := service.ProcessEvent(context.Background(), event)

	require.NoError(t, err)
	mockNotificationRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	require.Equal(t, int64(1), service.metrics.GetCounters()[metrics.CounterRecipientsSkipped])
	mockEventRepo.AssertExpectations(t)
}

func TestProcessEventMalformedRuleIsolated(t *testing.T) {
	mockEventRepo := new(MockEventRepository)
	mockRuleRepo := new(MockRuleRepository)
	mockNotificationRepo := new(MockNotificationRepository)
	service := newTestEventService(mockEventRepo, mockRuleRepo, mockNotificationRepo)

	event := testEvent(`{"customer": {"email": "jo@example.com"}}`)
	broken := testRule(event.TenantID, `{"not":"an array"}`,
		`[{"channel":"email","recipient_path":"customer.email","template_key":"x"}]`)
	healthy := testRule(event.TenantID, "",
		`[{"channel":"email","recipient_path":"customer.email","template_key":"order-paid"}]`)

	mockRuleRepo.On("ListEnabled", mock.Anything, event.TenantID, "order.paid").
		Return([]models.Rule{broken, healthy}, nil)
	mockNotificationRepo.On("Create", mock.Anything, mock.AnythingOfType("*models.Notification")).
		Return(true, nil)
	mockEventRepo.On("MarkProcessed", mock.Anything, event.ID).Return(nil)

	err := service.ProcessEvent(context.Background(), event)

	require.NoError(t, err)
	// Only the healthy rule scheduled anything
	mockNotificationRepo.AssertNumberOfCalls(t, "Create", 1)
	require.Equal(t, int64(1), service.metrics.GetCounters()[metrics.CounterRuleMatchErrors])
	mockEventRepo.AssertExpectations(t)
}

func TestProcessEventUnusablePayload(t *testing.T) {
	mockEventRepo := new(MockEventRepository)
	mockRuleRepo := new(MockRuleRepository)
	mockNotificationRepo := new(MockNotificationRepository)
	service := newTestEventService(mockEventRepo, mockRuleRepo, mockNotificationRepo)

	event := testEvent(`[1, 2, 3]`)
	mockEventRepo.On("MarkError", mock.Anything, event.ID, mock.AnythingOfType("string")).Return(nil)

	err := service.ProcessEvent(context.Background(), event)

	require.NoError(t, err)
	mockRuleRepo.AssertNotCalled(t, "ListEnabled", mock.Anything, mock.Anything, mock.Anything)
	mockEventRepo.AssertNotCalled(t, "MarkProcessed", mock.Anything, mock.Anything)
	mockEventRepo.AssertExpectations(t)
}

func TestSortRules(t *testing.T) {
	earlier := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	later := earlier.Add(time.Hour)

	a := models.Rule{ID: uuid.New(), Priority: 10, CreatedAt: later}
	b := models.Rule{ID: uuid.New(), Priority: 10, CreatedAt: earlier}
	c := models.Rule{ID: uuid.New(), Priority: 50, CreatedAt: later}

	ruleSet := []models.Rule{a, b, c}
	sortRules(ruleSet)

	// Highest priority first, creation time breaking ties
	require.Equal(t, c.ID, ruleSet[0].ID)
	require.Equal(t, b.ID, ruleSet[1].ID)
	require.Equal(t, a.ID, ruleSet[2].ID)
}

func TestDedupeKeyFor(t *testing.T) {
	payload := map[string]interface{}{
		"order_id": "ord-9",
		"customer": map[string]interface{}{"id": float64(42)},
	}

	key := dedupeKeyFor(models.DedupeScopeOrder, payload)
	require.NotNil(t, key)
	require.Equal(t, "order:ord-9", *key)

	// Nested fallback path, numeric id rendered without a decimal point
	key = dedupeKeyFor(models.DedupeScopeCustomer, payload)
	require.NotNil(t, key)
	require.Equal(t, "customer:42", *key)

	// Scope field absent disables suppression
	require.Nil(t, dedupeKeyFor(models.DedupeScopeCart, payload))
	require.Nil(t, dedupeKeyFor(models.DedupeScopeNone, payload))
}
