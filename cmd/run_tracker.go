package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/google/uuid"
	"github.com/rivo/tview"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
	"tinygo.org/x/bluetooth"

	"github.com/mhartvig/runlink/run-tracker-app/internal/bt"
	"github.com/mhartvig/runlink/run-tracker-app/internal/run"
	"github.com/mhartvig/runlink/run-tracker-app/internal/store"
)

var adapter = bluetooth.DefaultAdapter

const scanTimeout = 10 * time.Second

type appConfig struct {
	LogFile string `mapstructure:"log_file"`
	DBPath  string `mapstructure:"db_path"`

	Reconnect struct {
		Attempts       int `mapstructure:"attempts"`
		BackoffSeconds int `mapstructure:"backoff_seconds"`
	} `mapstructure:"reconnect"`

	Score struct {
		DistanceWeight float64 `mapstructure:"distance_weight"`
		PaceWeight     float64 `mapstructure:"pace_weight"`
		DurationWeight float64 `mapstructure:"duration_weight"`
	} `mapstructure:"score"`

	// Planned workout for the 'p' key. Normally this would come from
	// the planning backend; the config stands in for it.
	Plan struct {
		WorkoutID       string  `mapstructure:"workout_id"`
		DistanceKm      float64 `mapstructure:"distance_km"`
		DurationMin     float64 `mapstructure:"duration_min"`
		PaceMinSecPerKm int     `mapstructure:"pace_min_sec_per_km"`
		PaceMaxSecPerKm int     `mapstructure:"pace_max_sec_per_km"`
	} `mapstructure:"plan"`
}

func loadConfig() (appConfig, error) {
	configPath := pflag.String("config", "", "path to config file")
	logFile := pflag.String("log-file", "", "path to log file")
	dbPath := pflag.String("db-path", "", "path to run database")
	pflag.Parse()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if *configPath != "" {
		v.SetConfigFile(*configPath)
	} else if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".runlink"))
	}
	v.SetEnvPrefix("RUNLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("reconnect.attempts", 5)
	v.SetDefault("reconnect.backoff_seconds", 2)
	v.SetDefault("score.distance_weight", run.DefaultScoreWeights.Distance)
	v.SetDefault("score.pace_weight", run.DefaultScoreWeights.Pace)
	v.SetDefault("score.duration_weight", run.DefaultScoreWeights.Duration)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and env cover it. An
		// explicitly named but unreadable file is not.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return appConfig{}, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg appConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return appConfig{}, fmt.Errorf("parsing config: %w", err)
	}
	if *logFile != "" {
		cfg.LogFile = *logFile
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if cfg.LogFile == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.LogFile = filepath.Join(home, ".runlink", "run_tracker.log")
		} else {
			cfg.LogFile = "run_tracker.log"
		}
	}
	return cfg, nil
}

func plannedTargetFromConfig(cfg appConfig) (run.Target, bool) {
	p := cfg.Plan
	if p.DistanceKm <= 0 && p.DurationMin <= 0 && p.PaceMinSecPerKm <= 0 {
		return run.Target{}, false
	}
	target := run.Target{Kind: run.TargetPlanned}
	if id, err := uuid.Parse(p.WorkoutID); err == nil {
		target.PlannedWorkoutID = id
	}
	if p.DistanceKm > 0 {
		target.HasDistance = true
		target.DistanceKm = p.DistanceKm
	}
	if p.DurationMin > 0 {
		target.HasDuration = true
		target.DurationMin = p.DurationMin
	}
	if p.PaceMinSecPerKm > 0 && p.PaceMaxSecPerKm >= p.PaceMinSecPerKm {
		target.HasPaceRange = true
		target.PaceMinSecPerKm = p.PaceMinSecPerKm
		target.PaceMaxSecPerKm = p.PaceMaxSecPerKm
	}
	return target, true
}

func formatDevice(device bt.Device) string {
	return fmt.Sprintf("%s (%s) [RSSI: %d]", device.Name, device.Address, device.RSSI)
}

func formatSnapshot(s run.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session:  %s\n", s.SessionState)
	fmt.Fprintf(&b, "Elapsed:  %s\n", run.FormatDuration(s.ElapsedSeconds))
	fmt.Fprintf(&b, "Distance: %.2f km\n", s.DistanceKm)
	fmt.Fprintf(&b, "Pace:     %s /km\n", s.Pace)
	if s.Zone != run.ZoneNoTarget {
		fmt.Fprintf(&b, "Zone:     %s\n", s.Zone)
	}
	if s.HasDrift {
		fmt.Fprintf(&b, "Drift:    %s\n", s.Drift)
	}
	if s.HasHeartRate {
		fmt.Fprintf(&b, "HR:       %d bpm\n", s.HeartRateBPM)
	}
	if len(s.Splits) > 0 {
		fmt.Fprintf(&b, "\nSplits:\n")
		for _, split := range s.Splits {
			marker := " "
			if split.IsFastest {
				marker = "*"
			}
			fmt.Fprintf(&b, " %s km %d  %s  (+%ds)  @ %s\n",
				marker, split.Kilometer, split.Pace, split.DiffFromFastestSec, split.CumulativeTime)
		}
	}
	return b.String()
}

func main() {
	cfg, err := loadConfig()
	must("load config", err)

	logger := log.New(&lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
	}, "", log.LstdFlags)
	logger.Println("run tracker starting")

	db, err := store.Open(cfg.DBPath)
	must("open run database", err)
	defer db.Close()

	link := bt.NewBLELink(adapter, logger)
	manager := bt.NewManager(link, logger, bt.Config{
		ReconnectAttempts: cfg.Reconnect.Attempts,
		ReconnectBackoff:  time.Duration(cfg.Reconnect.BackoffSeconds) * time.Second,
	})
	defer manager.Shutdown()

	tracker := run.NewTracker(logger, run.ScoreWeights{
		Distance: cfg.Score.DistanceWeight,
		Pace:     cfg.Score.PaceWeight,
		Duration: cfg.Score.DurationWeight,
	})

	app := tview.NewApplication()

	logView := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetChangedFunc(func() {
			app.Draw()
		})
	logView.SetBorder(true).SetTitle(" Logs ")

	logMessage := func(format string, args ...interface{}) {
		message := fmt.Sprintf("[%s] %s\n", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
		fmt.Fprint(logView, message)
		logger.Printf(format, args...)
	}

	metricsView := tview.NewTextView().SetDynamicColors(true)
	metricsView.SetBorder(true).SetTitle(" Run ")

	deviceList := tview.NewList().ShowSecondaryText(false)
	deviceList.SetBorder(true).SetTitle(" Devices (s: scan, Enter: connect) ")

	if err := manager.Enable(); err != nil {
		// Keep the UI up so the state is visible; nothing else works
		// until the radio does.
		logMessage("Bluetooth adapter unavailable: %v", err)
	}

	deviceList.SetSelectedFunc(func(index int, mainText, secondaryText string, shortcut rune) {
		devices := manager.Devices()
		if index >= len(devices) {
			return
		}
		selected := devices[index]
		logMessage("Connecting to %s", formatDevice(selected))
		go func() {
			if err := manager.Connect(selected.Address); err != nil {
				logMessage("Connect failed: %v", err)
				return
			}
			logMessage("Connected to %s", selected.Name)
			if err := tracker.AttachStreams(manager); err != nil {
				logMessage("Telemetry unavailable: %v", err)
				if err := manager.Disconnect(); err != nil {
					logMessage("Disconnect failed: %v", err)
				}
				return
			}
			logMessage("Telemetry streams attached")
		}()
	})

	// Feed manager observables into the UI.
	stateCh := make(chan bt.ConnectionState, 8)
	manager.ListenToState(stateCh)
	devicesCh := make(chan []bt.Device, 8)
	manager.ListenToDevices(devicesCh)
	snapshotCh := make(chan run.Snapshot, 32)
	tracker.ListenToSnapshots(snapshotCh)

	go func() {
		for {
			select {
			case state := <-stateCh:
				logMessage("Connection state: %s", state)
			case devices := <-devicesCh:
				app.QueueUpdateDraw(func() {
					current := deviceList.GetCurrentItem()
					deviceList.Clear()
					for _, device := range devices {
						deviceList.AddItem(formatDevice(device), "", 0, nil)
					}
					if current < deviceList.GetItemCount() {
						deviceList.SetCurrentItem(current)
					}
				})
			case snapshot := <-snapshotCh:
				app.QueueUpdateDraw(func() {
					metricsView.SetText(formatSnapshot(snapshot))
				})
			}
		}
	}()

	var scanStopTimer *time.Timer
	startScan := func() {
		if err := manager.StartScan([]string{run.FitnessMachineServiceUUID}); err != nil {
			logMessage("Scan failed: %v", err)
			return
		}
		logMessage("Scanning for treadmills (%v timeout)...", scanTimeout)
		// The manager scans until told otherwise; the caller owns the
		// radio budget.
		if scanStopTimer != nil {
			scanStopTimer.Stop()
		}
		scanStopTimer = time.AfterFunc(scanTimeout, func() {
			if err := manager.StopScan(); err != nil {
				logMessage("Stop scan failed: %v", err)
				return
			}
			logMessage("Scan finished")
		})
	}

	startRun := func(target run.Target) {
		if err := tracker.Start(target); err != nil {
			logMessage("Start run failed: %v", err)
			return
		}
		logMessage("Run started (%s)", target.Kind)
	}

	endRun := func() {
		result, err := tracker.End()
		if err != nil {
			logMessage("End run failed: %v", err)
			return
		}
		logMessage("Run finished: %.2f km in %s, avg pace %s/km",
			result.DistanceKm, run.FormatDuration(result.DurationSeconds), result.AvgPace())
		if result.HasScore {
			logMessage("Completion score: %d/100", result.Score)
		}
		if err := db.SaveResult(result); err != nil {
			logMessage("Saving run failed: %v", err)
		} else {
			logMessage("Run %s saved", result.ID)
		}
		if err := tracker.Dismiss(); err != nil {
			logMessage("Dismiss failed: %v", err)
		}
	}

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyTab:
			if deviceList.HasFocus() {
				app.SetFocus(logView)
			} else {
				app.SetFocus(deviceList)
			}
			return nil
		case tcell.KeyEscape:
			app.Stop()
			return nil
		}
		switch event.Rune() {
		case 's':
			startScan()
			return nil
		case 'f':
			startRun(run.FreeRun())
			return nil
		case 'p':
			target, ok := plannedTargetFromConfig(cfg)
			if !ok {
				logMessage("No planned workout in config")
				return nil
			}
			startRun(target)
			return nil
		case 'e':
			endRun()
			return nil
		case 'd':
			if err := manager.Disconnect(); err != nil {
				logMessage("Disconnect failed: %v", err)
			}
			return nil
		}
		return event
	})

	left := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(deviceList, 0, 1, true).
		AddItem(metricsView, 0, 2, false)
	flex := tview.NewFlex().
		AddItem(left, 0, 1, true).
		AddItem(logView, 0, 1, false)

	logMessage("Keys: s scan | Enter connect | f free run | p planned run | e end run | d disconnect | Esc quit")

	if err := app.SetRoot(flex, true).SetFocus(deviceList).Run(); err != nil {
		panic(err)
	}

	if scanStopTimer != nil {
		scanStopTimer.Stop()
	}
	logger.Println("run tracker exiting")
}

func must(action string, err error) {
	if err != nil {
		panic("failed to " + action + ": " + err.Error())
	}
}
