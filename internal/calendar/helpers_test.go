package calendar

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/stay-ledger/backend/internal/storage"
	"github.com/stay-ledger/backend/internal/storage/models"
)

type testEnv struct {
	db         *storage.DB
	properties *storage.PropertyRepository
	bookings   *storage.BookingRepository
	mail       *storage.MailRepository
	runs       *storage.RunRepository
	reconciler *Reconciler
	logger     *logrus.Logger
	hook       *logtest.Hook
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := storage.NewDB(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	require.NoError(t, storage.RunMigrations(db, logger))

	bookings := storage.NewBookingRepository(db)
	return &testEnv{
		db:         db,
		properties: storage.NewPropertyRepository(db),
		bookings:   bookings,
		mail:       storage.NewMailRepository(db),
		runs:       storage.NewRunRepository(db),
		reconciler: NewReconciler(db, bookings, logger),
		logger:     logger,
		hook:       hook,
	}
}

func (e *testEnv) property(t *testing.T) *models.Property {
	t.Helper()
	p := &models.Property{WorkspaceID: "ws-1", Name: "Lake House", Timezone: "America/New_York"}
	require.NoError(t, e.properties.Create(context.Background(), p))
	return p
}

func (e *testEnv) feed(t *testing.T, propertyID, label, url string) *models.Feed {
	t.Helper()
	f := &models.Feed{PropertyID: propertyID, Label: label, URL: url, Active: true, SyncIntervalMin: 15}
	require.NoError(t, e.properties.CreateFeed(context.Background(), f))
	return f
}

func (e *testEnv) active(t *testing.T, propertyID string) []models.Booking {
	t.Helper()
	list, err := e.bookings.ListActiveByProperty(context.Background(), propertyID)
	require.NoError(t, err)
	return list
}

func day(m time.Month, d int) time.Time {
	return time.Date(2026, m, d, 0, 0, 0, 0, time.UTC)
}

func candidate(feed *models.Feed, uid, name string, in, out time.Time) models.Candidate {
	return models.Candidate{
		PropertyID: feed.PropertyID,
		FeedID:     feed.ID,
		ExternalID: uid,
		SourceType: "airbnb",
		CheckIn:    in,
		CheckOut:   out,
		AllDay:     true,
		GuestName:  name,
	}
}

// vevent renders one all-day event.
func vevent(uid, summary, start, end string) string {
	return "BEGIN:VEVENT\n" +
		"UID:" + uid + "\n" +
		"DTSTAMP:20260101T000000Z\n" +
		"DTSTART;VALUE=DATE:" + start + "\n" +
		"DTEND;VALUE=DATE:" + end + "\n" +
		"SUMMARY:" + summary + "\n" +
		"END:VEVENT\n"
}

func vcalendar(events ...string) string {
	doc := "BEGIN:VCALENDAR\nVERSION:2.0\nPRODID:-//Test//Feed//EN\n" + strings.Join(events, "") + "END:VCALENDAR\n"
	return strings.ReplaceAll(doc, "\n", "\r\n")
}

// feedServer serves mutable iCal documents by path.
type feedServer struct {
	*httptest.Server
	mu     sync.Mutex
	docs   map[string]string
	status map[string]int
}

func newFeedServer(t *testing.T) *feedServer {
	t.Helper()
	fs := &feedServer{docs: map[string]string{}, status: map[string]int{}}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		if code, ok := fs.status[r.URL.Path]; ok {
			w.WriteHeader(code)
			return
		}
		w.Header().Set("Content-Type", "text/calendar")
		w.Write([]byte(fs.docs[r.URL.Path]))
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *feedServer) set(path, doc string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.status, path)
	fs.docs[path] = doc
}

func (fs *feedServer) fail(path string, code int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.status[path] = code
}
