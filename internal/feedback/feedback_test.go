package feedback

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// upperResolver canonicalises by upper-casing.
type upperResolver struct{}

func (upperResolver) ResolveVendor(raw string) string { return strings.ToUpper(strings.TrimSpace(raw)) }
func (upperResolver) LookupVendor(raw string) string  { return strings.ToUpper(strings.TrimSpace(raw)) }

// countingResolver records which method was used.
type countingResolver struct {
	upperResolver
	resolved int
	looked   int
}

func (c *countingResolver) ResolveVendor(raw string) string {
	c.resolved++
	return c.upperResolver.ResolveVendor(raw)
}

func (c *countingResolver) LookupVendor(raw string) string {
	c.looked++
	return c.upperResolver.LookupVendor(raw)
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction(" Dismiss ")
	require.NoError(t, err)
	assert.Equal(t, ActionDismiss, a)

	_, err = ParseAction("approve")
	assert.ErrorIs(t, err, ErrInvalidAction)
}

func TestService_SubmitAndCounts(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, upperResolver{})
	ctx := context.Background()

	for range 3 {
		_, err := svc.Submit(ctx, SubmitRequest{VendorID: "acme", Action: "dismiss"})
		require.NoError(t, err)
	}
	e, err := svc.Submit(ctx, SubmitRequest{VendorID: "Acme", Action: "escalate", TransactionID: "T9"})
	require.NoError(t, err)
	assert.Equal(t, "ACME", e.CanonicalVendorID)
	assert.True(t, strings.HasPrefix(e.ID, "fb_"))

	counts, err := store.Counts(ctx, "ACME")
	require.NoError(t, err)
	assert.Equal(t, Counts{Dismiss: 3, Escalate: 1}, counts)

	summary, err := svc.Summary(ctx, "acme", 2)
	require.NoError(t, err)
	require.Len(t, summary.Entries, 2)
	assert.Equal(t, ActionEscalate, summary.Entries[0].Action)
}

func TestService_SummaryDoesNotRegisterVendor(t *testing.T) {
	r := &countingResolver{}
	svc := NewService(NewMemoryStore(), r)

	summary, err := svc.Summary(context.Background(), "never seen", 10)
	require.NoError(t, err)
	assert.Equal(t, "NEVER SEEN", summary.CanonicalVendorID)
	assert.Empty(t, summary.Entries)
	assert.Equal(t, 0, r.resolved)
	assert.Equal(t, 1, r.looked)
}

func TestService_SubmitValidation(t *testing.T) {
	svc := NewService(NewMemoryStore(), upperResolver{})
	_, err := svc.Submit(context.Background(), SubmitRequest{VendorID: "", Action: "dismiss"})
	assert.ErrorIs(t, err, ErrMissingVendor)
	_, err = svc.Submit(context.Background(), SubmitRequest{VendorID: "x", Action: "nope"})
	assert.ErrorIs(t, err, ErrInvalidAction)
}

func newRouter(svc *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(svc).RegisterRoutes(r.Group("/v1"))
	return r
}

func TestHandler_Submit(t *testing.T) {
	r := newRouter(NewService(NewMemoryStore(), upperResolver{}))

	body, _ := json.Marshal(SubmitRequest{VendorID: "acme", Action: "escalate"})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/feedback", bytes.NewReader(body)))
	require.Equal(t, http.StatusCreated, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/feedback/acme", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var summary VendorSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, "ACME", summary.CanonicalVendorID)
	assert.Equal(t, 1, summary.Counts.Escalate)
}

func TestHandler_SubmitBadAction(t *testing.T) {
	r := newRouter(NewService(NewMemoryStore(), upperResolver{}))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/feedback", strings.NewReader(`{"vendorId":"a","action":"approve"}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type recordingNotifier struct{ got []*Entry }

func (r *recordingNotifier) BroadcastFeedback(e *Entry) { r.got = append(r.got, e) }

func TestService_NotifiesAcceptedEntries(t *testing.T) {
	n := &recordingNotifier{}
	svc := NewService(NewMemoryStore(), upperResolver{}, WithNotifier(n))

	_, err := svc.Submit(context.Background(), SubmitRequest{VendorID: "acme", Action: "bogus"})
	require.Error(t, err)
	assert.Empty(t, n.got)

	e, err := svc.Submit(context.Background(), SubmitRequest{VendorID: "acme", Action: "dismiss"})
	require.NoError(t, err)
	require.Len(t, n.got, 1)
	assert.Same(t, e, n.got[0])
}
