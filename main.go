package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"pillpal-hub/internal/config"
	"pillpal-hub/internal/database"
	"pillpal-hub/internal/devicelink"
	"pillpal-hub/internal/dispenser"
	"pillpal-hub/internal/email"
	"pillpal-hub/internal/middleware"
	"pillpal-hub/internal/notify"
	"pillpal-hub/internal/ownership"
	"pillpal-hub/internal/push"
	"pillpal-hub/internal/scheduler"
	"pillpal-hub/internal/signaling"
	"pillpal-hub/internal/snapshot"
	"pillpal-hub/internal/workers"

	"github.com/gorilla/mux"
)

var (
	db           *database.DB
	deviceClient *devicelink.Client
	orchestrator *dispenser.Orchestrator
	holder       *snapshot.Holder
	resolver     *ownership.Resolver
	eventHub     *signaling.EventHub
	manager      *workers.WorkerManager
	startTime    time.Time
	serverLogs   []string
	logsMutex    sync.RWMutex
)

const maxLogs = 100

type logWriter struct{}

func (lw logWriter) Write(p []byte) (n int, err error) {
	logsMutex.Lock()
	defer logsMutex.Unlock()

	msg := string(p)
	if len(msg) > 0 && msg[len(msg)-1] == '\n' {
		msg = msg[:len(msg)-1]
	}

	timestamp := time.Now().Format("15:04:05")
	logEntry := fmt.Sprintf("[%s] %s", timestamp, msg)

	serverLogs = append(serverLogs, logEntry)
	if len(serverLogs) > maxLogs {
		serverLogs = serverLogs[1:]
	}

	fmt.Println(logEntry)

	return len(p), nil
}

// urlFromStore adapts the store's device URL lookup to the device client.
type urlFromStore struct {
	db *database.DB
}

func (u urlFromStore) ResolveDeviceURL(ctx context.Context) (string, error) {
	return u.db.DeviceURL(ctx)
}

func main() {
	log.SetFlags(0)
	log.SetOutput(logWriter{})

	startTime = time.Now()
	log.Println("🚀 Starting PillPal hub...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Config error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("❌ Config error: %v", err)
	}

	loc, err := time.LoadLocation(cfg.DeviceTimezone)
	if err != nil {
		log.Fatalf("❌ Unknown timezone %q: %v", cfg.DeviceTimezone, err)
	}

	db, err = database.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("❌ DB error: %v", err)
	}
	defer db.Close()
	log.Println("✅ Database connected")

	resolver = ownership.NewResolver(db, db)
	if _, err := resolver.Resolve(context.Background()); err != nil {
		log.Printf("⚠️  Ownership not resolved yet, will retry in background: %v", err)
	}

	holder = snapshot.NewHolder(db, resolver.EffectiveUserID)
	if err := holder.Refresh(context.Background()); err != nil {
		log.Printf("⚠️  Initial schedule load failed: %v", err)
	}

	pushService, err := push.NewFirebaseService(cfg.FirebaseCredentialsPath)
	if err != nil {
		log.Printf("⚠️  Firebase not available: %v", err)
		pushService = nil
	}

	var emailService *email.EmailService
	if cfg.EnableEmailFallback {
		emailService, err = email.NewEmailService(cfg)
		if err != nil {
			log.Printf("⚠️  Email service not configured: %v", err)
			emailService = nil
		} else {
			log.Println("✅ Email service initialized")
		}
	}
	notifier := notify.NewService(pushService, emailService)

	eventHub = signaling.NewEventHub()

	deviceClient = devicelink.NewClient(urlFromStore{db: db}, devicelink.Settings{
		FallbackURL:        cfg.DeviceURL,
		ConnectTimeout:     time.Duration(cfg.ConnectTimeoutSec) * time.Second,
		KeepaliveInterval:  time.Duration(cfg.KeepaliveIntervalSec) * time.Second,
		HealthInterval:     time.Duration(cfg.HealthIntervalSec) * time.Second,
		URLRefreshInterval: time.Duration(cfg.URLRefreshSec) * time.Second,
	})

	orchestrator = dispenser.NewOrchestrator(deviceClient, db, holder, eventHub, notifier, dispenser.Settings{
		Location:     loc,
		TimeWindow:   time.Duration(cfg.TimeWindowMin) * time.Minute,
		DeclineRetry: time.Duration(cfg.DeclineRetrySec) * time.Second,
	}, resolver.EffectiveUserID)

	wireDeviceHandlers()

	go deviceClient.ConnectWithRetry(context.Background())

	evaluator := scheduler.NewEvaluator(holder, orchestrator, loc, time.Duration(cfg.DedupRetainSec)*time.Second)
	go evaluator.Start(context.Background())
	defer evaluator.Stop()

	manager = workers.NewWorkerManager()
	manager.RegisterWorker(workers.NewSnapshotWorker(holder, 15*time.Second))
	manager.RegisterWorker(workers.NewMaintenanceWorker(db, holder, resolver.EffectiveUserID, loc))
	manager.RegisterWorker(workers.NewOwnershipWorker(resolver, holder, time.Duration(cfg.OwnerLivenessSec)*time.Second))
	manager.RegisterWorker(workers.NewOfflineWorker(deviceClient, db, notifier, resolver.EffectiveUserID, 5*time.Minute))
	manager.Start()
	defer manager.Stop()

	auth := middleware.NewAuthMiddleware(resolver)

	router := mux.NewRouter()
	router.HandleFunc("/ws", eventHub.HandleWebSocket)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", healthCheckHandler).Methods("GET")
	api.HandleFunc("/stats", statsHandler).Methods("GET")
	api.HandleFunc("/logs", logsHandler).Methods("GET")

	protected := api.NewRoute().Subrouter()
	protected.Use(auth.RequireSession)
	protected.HandleFunc("/schedule", scheduleHandler).Methods("GET")
	protected.HandleFunc("/schedule/frame", setFrameHandler).Methods("PUT")
	protected.HandleFunc("/medications", addMedicationHandler).Methods("POST")
	protected.HandleFunc("/medications/{id}", removeMedicationHandler).Methods("DELETE")
	protected.HandleFunc("/history", historyHandler).Methods("GET")
	protected.HandleFunc("/dispense", dispenseHandler).Methods("POST")
	protected.HandleFunc("/dispense/confirm", confirmHandler).Methods("POST")
	protected.HandleFunc("/dispense/force", forceDispenseHandler).Methods("POST")
	protected.HandleFunc("/membership/respond", membershipRespondHandler).Methods("POST")

	router.PathPrefix("/").Handler(http.FileServer(http.Dir("./web")))

	log.Printf("✅ Hub ready on port %s", cfg.Port)
	log.Fatal(http.ListenAndServe(":"+cfg.Port, middleware.CORS(router)))
}

// wireDeviceHandlers connects unsolicited device frames to the rest of the
// hub: the button triggers a force dispense, the identity announcement is
// verified against the registration table, and connection changes go out to
// the dashboards.
func wireDeviceHandlers() {
	deviceClient.OnButtonPress(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// The physical button accepts a pending prompt; otherwise it force
		// dispenses the nearest due frame.
		if orchestrator.State() == dispenser.StateAwaitingConfirmation {
			if err := orchestrator.Confirm(ctx, true); err != nil {
				log.Printf("❌ Button confirmation failed: %v", err)
			}
			return
		}
		if err := orchestrator.ForceDispense(ctx); err != nil {
			log.Printf("❌ Button dispense failed: %v", err)
		}
	})

	deviceClient.OnDeviceID(func(piUniqueID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		session, err := db.CurrentSession(ctx)
		if err != nil && session == nil {
			log.Printf("⚠️  Cannot verify device %s, no session: %v", piUniqueID, err)
			return
		}

		ok, err := db.VerifyDeviceRegistration(ctx, piUniqueID, session.Email)
		if err != nil {
			log.Printf("⚠️  Device registration check failed: %v", err)
			return
		}
		if !ok {
			log.Printf("⚠️  Device %s is not registered to %s", piUniqueID, session.Email)
			return
		}
		log.Printf("✅ Device %s verified", piUniqueID)
	})

	deviceClient.OnConnectionChange(func(connected bool) {
		eventHub.Broadcast("device_status", map[string]interface{}{
			"connected": connected,
		})
		if connected {
			go syncDeviceDisplay()
		}
	})
}

// syncDeviceDisplay pushes the current schedule to the dispenser's LCD.
func syncDeviceDisplay() {
	current := holder.Current()
	if current == nil {
		return
	}

	var lines []devicelink.ScheduleDisplay
	for _, day := range current.Days {
		for _, tf := range day.Frames {
			if !tf.Active() {
				continue
			}
			names := make([]string, 0, len(tf.Medications))
			for _, m := range tf.Medications {
				names = append(names, m.Name)
			}
			lines = append(lines, devicelink.ScheduleDisplay{
				Slot:        string(day.Slot),
				Frame:       string(tf.Frame),
				Time:        tf.ScheduledAt,
				Medications: names,
			})
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := deviceClient.UpdateSchedules(ctx, devicelink.UpdateSchedulesRequest{Schedules: lines}); err != nil {
		log.Printf("⚠️  Display sync failed: %v", err)
		return
	}
	log.Printf("✅ Display synced (%d schedule line(s))", len(lines))
}

func formatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
