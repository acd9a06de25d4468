package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/ride-booking/internal/booking"
	"github.com/example/ride-booking/internal/dispatch"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/reconciler"
	"github.com/example/ride-booking/internal/session"
	"github.com/example/ride-booking/internal/storage"
)

// fakeService returns canned results; bookFn drives the booking paths.
type fakeService struct {
	bookFn   func(ctx context.Context, sess *session.Session, tripID int64, seats int) (*booking.Result, error)
	quoteArg int
	cancel   [2]int64
}

func (f *fakeService) Trips(ctx context.Context, sess *session.Session) ([]models.Trip, error) {
	return []models.Trip{{ID: 1}}, nil
}

func (f *fakeService) Trip(ctx context.Context, sess *session.Session, tripID int64) (*models.Trip, error) {
	if tripID == 404 {
		return nil, &models.APIError{StatusCode: 404}
	}
	return &models.Trip{ID: tripID, Price: models.FromMajor(500)}, nil
}

func (f *fakeService) MyBooking(ctx context.Context, sess *session.Session, tripID int64) (*models.Booking, error) {
	return nil, nil
}

func (f *fakeService) Quote(ctx context.Context, sess *session.Session, tripID int64, seats int) (*booking.Quote, error) {
	f.quoteArg = seats
	return &booking.Quote{Action: reconciler.Action{Kind: reconciler.ActionCreate, TripID: tripID, SeatsReserved: seats}}, nil
}

func (f *fakeService) Book(ctx context.Context, sess *session.Session, tripID int64, seats int) (*booking.Result, error) {
	return f.bookFn(ctx, sess, tripID, seats)
}

func (f *fakeService) AmendInstead(ctx context.Context, sess *session.Session, tripID int64, seats int) (*booking.Result, error) {
	return nil, booking.ErrNoPendingConflict
}

func (f *fakeService) Dismiss(ctx context.Context, sess *session.Session, tripID int64) error {
	return nil
}

func (f *fakeService) Cancel(ctx context.Context, sess *session.Session, tripID, bookingID int64) (*booking.Result, error) {
	f.cancel = [2]int64{tripID, bookingID}
	return &booking.Result{State: reconciler.StateSucceeded, Invalidated: reconciler.InvalidationKeys(tripID)}, nil
}

// History owns flow "f1" for the caller; any other id belongs to someone else.
func (f *fakeService) History(ctx context.Context, sess *session.Session, flowID string) ([]storage.FlowRecord, error) {
	if flowID != "f1" {
		return nil, booking.ErrFlowNotFound
	}
	return []storage.FlowRecord{{FlowID: flowID, UserID: "5", State: reconciler.StateSubmitting}}, nil
}

func (f *fakeService) Identify(ctx context.Context, sess *session.Session) (string, error) {
	if sess.AccessToken() != "access-token" {
		return "", &models.APIError{StatusCode: http.StatusUnauthorized}
	}
	return "5", nil
}

func newTestServer(f *fakeService) *Server {
	return NewServer(f, dispatch.NewWSRegistry(nil), nil)
}

func do(t *testing.T, s *Server, method, path, body string, auth bool) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if auth {
		req.Header.Set("Authorization", "Bearer access-token")
	}
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	var resp Response
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode body %q: %v", rr.Body.String(), err)
		}
	}
	return rr, resp
}

func TestHealthz(t *testing.T) {
	rr, _ := do(t, newTestServer(&fakeService{}), "GET", "/healthz", "", false)
	if rr.Code != 200 || rr.Body.String() != "ok" {
		t.Fatalf("got %d %q", rr.Code, rr.Body.String())
	}
}

func TestMissingTokenIsUnauthorized(t *testing.T) {
	rr, _ := do(t, newTestServer(&fakeService{}), "GET", "/api/v1/trips", "", false)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestBookSuccess(t *testing.T) {
	f := &fakeService{bookFn: func(ctx context.Context, sess *session.Session, tripID int64, seats int) (*booking.Result, error) {
		if tripID != 7 || seats != 2 || sess.AccessToken() != "access-token" {
			t.Errorf("unexpected call trip=%d seats=%d", tripID, seats)
		}
		return &booking.Result{FlowID: "f1", State: reconciler.StateSucceeded, Invalidated: reconciler.InvalidationKeys(7)}, nil
	}}
	rr, resp := do(t, newTestServer(f), "POST", "/api/v1/trips/7/bookings", `{"seats":2}`, true)
	if rr.Code != http.StatusCreated || !resp.Status {
		t.Fatalf("got %d %+v", rr.Code, resp)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("request id header missing")
	}
}

func TestBookErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"duplicate", &reconciler.DuplicateBookingConflict{Message: "unique"}, http.StatusConflict},
		{"in progress", booking.ErrSubmitInProgress, http.StatusTooManyRequests},
		{"unresolved", booking.ErrConflictUnresolved, http.StatusConflict},
		{"generic", &reconciler.GenericBookingFailure{StatusCode: 400, Message: "Недостаточно мест"}, http.StatusBadGateway},
		{"expired session", &reconciler.GenericBookingFailure{StatusCode: 401, Message: "expired", Err: &models.APIError{StatusCode: 401}}, http.StatusUnauthorized},
		{"too many", booking.ErrTooManySeats, http.StatusBadRequest},
		{"no user", booking.ErrNoUser, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := &fakeService{bookFn: func(context.Context, *session.Session, int64, int) (*booking.Result, error) {
				return &booking.Result{FlowID: "f1"}, tc.err
			}}
			rr, resp := do(t, newTestServer(f), "POST", "/api/v1/trips/7/bookings", `{"seats":1}`, true)
			if rr.Code != tc.code || resp.Status {
				t.Fatalf("got %d %+v", rr.Code, resp)
			}
			if tc.code == http.StatusConflict {
				data, _ := resp.Data.(map[string]any)
				if data["conflict"] != true || data["offer"] != "amend" || data["flow_id"] != "f1" {
					t.Fatalf("conflict data = %+v", resp.Data)
				}
			}
			if tc.name == "generic" && resp.Message != "Недостаточно мест" {
				t.Fatalf("message = %q", resp.Message)
			}
		})
	}
}

func TestBookValidation(t *testing.T) {
	f := &fakeService{bookFn: func(context.Context, *session.Session, int64, int) (*booking.Result, error) {
		t.Error("service must not be called")
		return nil, nil
	}}
	s := newTestServer(f)

	rr, resp := do(t, s, "POST", "/api/v1/trips/7/bookings", `{"seats":0}`, true)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("got %d", rr.Code)
	}
	errs, _ := resp.Errors.(map[string]any)
	if _, ok := errs["Seats"]; !ok {
		t.Fatalf("errors = %+v", resp.Errors)
	}

	if rr, _ := do(t, s, "POST", "/api/v1/trips/abc/bookings", `{"seats":1}`, true); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad trip id: got %d", rr.Code)
	}
	if rr, _ := do(t, s, "POST", "/api/v1/trips/7/bookings", `not json`, true); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad body: got %d", rr.Code)
	}
}

func TestRefreshedTokensAreReturned(t *testing.T) {
	f := &fakeService{bookFn: func(ctx context.Context, sess *session.Session, tripID int64, seats int) (*booking.Result, error) {
		sess.Update("new-access", "new-refresh")
		return &booking.Result{State: reconciler.StateSucceeded}, nil
	}}
	rr, _ := do(t, newTestServer(f), "POST", "/api/v1/trips/7/bookings", `{"seats":1}`, true)
	if rr.Header().Get("X-Access-Token") != "new-access" || rr.Header().Get("X-Refresh-Token") != "new-refresh" {
		t.Fatalf("headers = %v", rr.Header())
	}
}

func TestReadEndpoints(t *testing.T) {
	f := &fakeService{}
	s := newTestServer(f)

	if rr, _ := do(t, s, "GET", "/api/v1/trips/3", "", true); rr.Code != 200 {
		t.Fatalf("trip: %d", rr.Code)
	}
	if rr, _ := do(t, s, "GET", "/api/v1/trips/404", "", true); rr.Code != http.StatusNotFound {
		t.Fatalf("missing trip: %d", rr.Code)
	}
	if rr, resp := do(t, s, "GET", "/api/v1/trips/3/booking", "", true); rr.Code != 200 || resp.Data != nil {
		t.Fatalf("booking: %d %+v", rr.Code, resp)
	}
	if rr, _ := do(t, s, "GET", "/api/v1/trips/3/quote?seats=4", "", true); rr.Code != 200 || f.quoteArg != 4 {
		t.Fatalf("quote: %d seats=%d", rr.Code, f.quoteArg)
	}
	if rr, _ := do(t, s, "GET", "/api/v1/trips/3/quote?seats=x", "", true); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad seats: %d", rr.Code)
	}
	if rr, _ := do(t, s, "GET", "/api/v1/flows/f1", "", true); rr.Code != 200 {
		t.Fatalf("history: %d", rr.Code)
	}
	if rr, resp := do(t, s, "GET", "/api/v1/flows/someone-elses", "", true); rr.Code != http.StatusNotFound || resp.Data != nil {
		t.Fatalf("foreign history: %d %+v", rr.Code, resp)
	}
}

func TestAmendDismissCancel(t *testing.T) {
	f := &fakeService{}
	s := newTestServer(f)

	if rr, _ := do(t, s, "POST", "/api/v1/trips/3/bookings/amend", "", true); rr.Code != http.StatusConflict {
		t.Fatalf("amend without conflict: %d", rr.Code)
	}
	if rr, _ := do(t, s, "DELETE", "/api/v1/trips/3/bookings/flow", "", true); rr.Code != 200 {
		t.Fatalf("dismiss: %d", rr.Code)
	}
	if rr, _ := do(t, s, "POST", "/api/v1/bookings/42/cancel", `{"trip_id":3}`, true); rr.Code != 200 || f.cancel != [2]int64{3, 42} {
		t.Fatalf("cancel: %d %v", rr.Code, f.cancel)
	}
	if rr, _ := do(t, s, "POST", "/api/v1/bookings/42/cancel", `{}`, true); rr.Code != http.StatusBadRequest {
		t.Fatalf("cancel without trip: %d", rr.Code)
	}
}

func TestVerifierRejectsForgedToken(t *testing.T) {
	f := &fakeService{bookFn: func(context.Context, *session.Session, int64, int) (*booking.Result, error) {
		t.Error("forged request reached the service")
		return nil, nil
	}}
	s := newTestServer(f)
	s.Verifier = session.HMACVerifier{Key: []byte("server-key")}

	forged, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": 5}).SignedString([]byte("attacker"))
	req := httptest.NewRequest("POST", "/api/v1/trips/7/bookings", strings.NewReader(`{"seats":1}`))
	req.Header.Set("Authorization", "Bearer "+forged)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("forged token: got %d", rr.Code)
	}

	good, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": 5}).SignedString([]byte("server-key"))
	req = httptest.NewRequest("GET", "/api/v1/trips/3", nil)
	req.Header.Set("Authorization", "Bearer "+good)
	rr = httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("valid token: got %d", rr.Code)
	}
}

func TestWebsocketRequiresVerifiedIdentity(t *testing.T) {
	s := newTestServer(&fakeService{})
	req := httptest.NewRequest("GET", "/ws?access_token=forged", nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("got %d", rr.Code)
	}
	if s.WSReg.Count() != 0 {
		t.Fatal("forged socket registered")
	}
}
