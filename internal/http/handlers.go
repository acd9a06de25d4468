package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/example/ride-booking/internal/booking"
	"github.com/example/ride-booking/internal/dispatch"
	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/reconciler"
	"github.com/example/ride-booking/internal/session"
	"github.com/example/ride-booking/internal/storage"
)

// BookingService is what the handlers need from booking.Service.
type BookingService interface {
	Trips(ctx context.Context, sess *session.Session) ([]models.Trip, error)
	Trip(ctx context.Context, sess *session.Session, tripID int64) (*models.Trip, error)
	MyBooking(ctx context.Context, sess *session.Session, tripID int64) (*models.Booking, error)
	Quote(ctx context.Context, sess *session.Session, tripID int64, seats int) (*booking.Quote, error)
	Book(ctx context.Context, sess *session.Session, tripID int64, seats int) (*booking.Result, error)
	AmendInstead(ctx context.Context, sess *session.Session, tripID int64, seats int) (*booking.Result, error)
	Dismiss(ctx context.Context, sess *session.Session, tripID int64) error
	Cancel(ctx context.Context, sess *session.Session, tripID, bookingID int64) (*booking.Result, error)
	History(ctx context.Context, sess *session.Session, flowID string) ([]storage.FlowRecord, error)
	Identify(ctx context.Context, sess *session.Session) (string, error)
}

type Server struct {
	Booking BookingService
	WSReg   *dispatch.WSRegistry
	// Verifier, when set, rejects requests whose access token fails a local
	// signature check before any handler runs.
	Verifier session.Verifier
	log      *zap.Logger
	mux     *mux.Router

	upgrader websocket.Upgrader
}

func NewServer(svc BookingService, reg *dispatch.WSRegistry, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{Booking: svc, WSReg: reg, log: log, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.sessionMiddleware)
	api.HandleFunc("/trips", s.handleListTrips).Methods("GET")
	api.HandleFunc("/trips/{id}", s.handleGetTrip).Methods("GET")
	api.HandleFunc("/trips/{id}/booking", s.handleMyBooking).Methods("GET")
	api.HandleFunc("/trips/{id}/quote", s.handleQuote).Methods("GET")
	api.HandleFunc("/trips/{id}/bookings", s.handleBook).Methods("POST")
	api.HandleFunc("/trips/{id}/bookings/amend", s.handleAmend).Methods("POST")
	api.HandleFunc("/trips/{id}/bookings/flow", s.handleDismiss).Methods("DELETE")
	api.HandleFunc("/bookings/{id}/cancel", s.handleCancel).Methods("POST")
	api.HandleFunc("/flows/{id}", s.handleFlowHistory).Methods("GET")

	s.mux.Handle("/ws", s.sessionMiddleware(http.HandlerFunc(s.handleWS))).Methods("GET")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func tripID(r *http.Request) (int64, error) {
	return reconciler.ParseTripID(mux.Vars(r)["id"])
}

func (s *Server) handleListTrips(w http.ResponseWriter, r *http.Request) {
	sess, _ := session.FromContext(r.Context())
	trips, err := s.Booking.Trips(r.Context(), sess)
	if err != nil {
		s.respondError(w, r, err, "")
		return
	}
	respondOK(w, "trips", trips)
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	id, err := tripID(r)
	if err != nil {
		s.respondError(w, r, err, "")
		return
	}
	sess, _ := session.FromContext(r.Context())
	trip, err := s.Booking.Trip(r.Context(), sess, id)
	if err != nil {
		s.respondError(w, r, err, "")
		return
	}
	respondOK(w, "trip", trip)
}

func (s *Server) handleMyBooking(w http.ResponseWriter, r *http.Request) {
	id, err := tripID(r)
	if err != nil {
		s.respondError(w, r, err, "")
		return
	}
	sess, _ := session.FromContext(r.Context())
	b, err := s.Booking.MyBooking(r.Context(), sess, id)
	if err != nil {
		s.respondError(w, r, err, "")
		return
	}
	if b == nil {
		respondOK(w, "no booking for this trip", nil)
		return
	}
	respondOK(w, "booking", b)
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	id, err := tripID(r)
	if err != nil {
		s.respondError(w, r, err, "")
		return
	}
	seats := 1
	if raw := r.URL.Query().Get("seats"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.respondError(w, r, reconciler.ErrInvalidSeatCount, "")
			return
		}
		seats = n
	}
	sess, _ := session.FromContext(r.Context())
	q, err := s.Booking.Quote(r.Context(), sess, id, seats)
	if err != nil {
		s.respondError(w, r, err, "")
		return
	}
	respondOK(w, "quote", q)
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	id, err := tripID(r)
	if err != nil {
		s.respondError(w, r, err, "")
		return
	}
	var req BookRequest
	if !decodeAndValidate(w, r, &req, false) {
		return
	}
	sess, _ := session.FromContext(r.Context())
	res, err := s.Booking.Book(r.Context(), sess, id, req.Seats)
	if err != nil {
		s.respondError(w, r, err, flowIDOf(res))
		return
	}
	respondCreated(w, "booking saved", res)
}

func (s *Server) handleAmend(w http.ResponseWriter, r *http.Request) {
	id, err := tripID(r)
	if err != nil {
		s.respondError(w, r, err, "")
		return
	}
	var req AmendRequest
	if !decodeAndValidate(w, r, &req, true) {
		return
	}
	sess, _ := session.FromContext(r.Context())
	res, err := s.Booking.AmendInstead(r.Context(), sess, id, req.Seats)
	if err != nil {
		s.respondError(w, r, err, flowIDOf(res))
		return
	}
	respondOK(w, "booking updated", res)
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	id, err := tripID(r)
	if err != nil {
		s.respondError(w, r, err, "")
		return
	}
	sess, _ := session.FromContext(r.Context())
	if err := s.Booking.Dismiss(r.Context(), sess, id); err != nil {
		s.respondError(w, r, err, "")
		return
	}
	respondOK(w, "booking flow dismissed", nil)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	bookingID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || bookingID <= 0 {
		s.respondError(w, r, errInvalidBookingID, "")
		return
	}
	var req CancelRequest
	if !decodeAndValidate(w, r, &req, false) {
		return
	}
	sess, _ := session.FromContext(r.Context())
	res, err := s.Booking.Cancel(r.Context(), sess, req.TripID, bookingID)
	if err != nil {
		s.respondError(w, r, err, "")
		return
	}
	respondOK(w, "booking cancelled", res)
}

func (s *Server) handleFlowHistory(w http.ResponseWriter, r *http.Request) {
	sess, _ := session.FromContext(r.Context())
	h, err := s.Booking.History(r.Context(), sess, mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, r, err, "")
		return
	}
	respondOK(w, "flow history", h)
}

// handleWS registers the caller for invalidation notices. The read loop
// only detects disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sess, _ := session.FromContext(r.Context())
	uid, err := s.Booking.Identify(r.Context(), sess)
	if err != nil {
		s.respondError(w, r, err, "")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	ws := s.WSReg.Add(uid, conn)
	defer func() {
		s.WSReg.Remove(uid, ws)
		conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func flowIDOf(res *booking.Result) string {
	if res == nil {
		return ""
	}
	return res.FlowID
}
