package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"nhooyr.io/websocket"

	"ocpp-gateway/internal/infra/config"
	"ocpp-gateway/internal/infra/logger"
	"ocpp-gateway/internal/infra/tracer"
	"ocpp-gateway/internal/usecase/scheduling"
	"ocpp-gateway/pkg/chargepoint"
)

const heartbeatTask = "heartbeat"

func runChargePoint() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}
	cp := cfg.ChargePoint
	if cp.Identity == "" {
		return errors.New("chargepoint.identity is not set")
	}

	log, closeLog, err := logger.New(cfg.Logger, "chargepoint")
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer(context.Background())

	opts := []chargepoint.Option{
		chargepoint.WithLogger(log),
		chargepoint.WithCallTimeout(cfg.RPC.CallTimeout),
		chargepoint.WithMaxInFlight(cfg.RPC.MaxInFlight),
		chargepoint.WithBreaker(cp.Breaker.MaxFailures, cp.Breaker.OpenFor),
	}
	if cp.Password != "" {
		opts = append(opts, chargepoint.WithBasicAuth(cp.Password))
	}
	for k, v := range cp.Headers {
		opts = append(opts, chargepoint.WithHeader(k, v))
	}
	if cfg.Schemas.Enabled {
		v, err := newValidator(cfg.Schemas)
		if err != nil {
			return err
		}
		opts = append(opts, chargepoint.WithValidator(v))
	}

	client := chargepoint.New(cp.Identity, opts...)
	client.Handle("Reset", func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		log.Info("reset requested", "payload", string(payload))
		return json.RawMessage(`{"status":"Accepted"}`), nil
	})
	client.OnError(func(err error) { log.Warn("charge point error", "error", err) })

	sched := scheduling.NewScheduler(log.With("component", "scheduler"))
	registerClientActions(sched, client)

	tasks, err := chargePointTasks(cp)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if err := sched.AddTask(t); err != nil {
			return err
		}
	}
	sched.Start(ctx)
	defer sched.Stop()

	return runConnectLoop(ctx, client, cp, sched, log)
}

// runConnectLoop keeps the client connected until ctx is cancelled,
// sending BootNotification after every connect.
func runConnectLoop(ctx context.Context, client *chargepoint.Client, cp config.ChargePointConfig, sched *scheduling.Scheduler, log *slog.Logger) error {
	for {
		if err := client.Connect(ctx, cp.CentralSystemURL); err == nil {
			if interval, err := bootNotification(ctx, client, cp); err != nil {
				log.Warn("boot notification failed", "error", err)
			} else {
				adoptHeartbeatInterval(sched, cp, interval, log)
			}

			select {
			case <-client.Done():
			case <-ctx.Done():
				client.Close(int(websocket.StatusNormalClosure), "shutting down")
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(cp.ReconnectWait):
		}
	}
}

func registerClientActions(sched *scheduling.Scheduler, client *chargepoint.Client) {
	sched.RegisterAction(scheduling.ActionHeartbeat, func(ctx context.Context, _ scheduling.Task) error {
		_, err := client.Call(ctx, "Heartbeat", struct{}{})
		return err
	})
	sched.RegisterAction(scheduling.ActionCall, func(ctx context.Context, task scheduling.Task) error {
		_, err := client.Call(ctx, task.OCPP, task.Payload)
		return err
	})
}

// chargePointTasks converts the configured tasks. A heartbeat task is
// added from heartbeat_interval unless one is configured explicitly.
func chargePointTasks(cp config.ChargePointConfig) ([]scheduling.Task, error) {
	var tasks []scheduling.Task
	hasHeartbeat := false
	for _, tc := range cp.Tasks {
		payload := json.RawMessage(`{}`)
		if tc.Payload != "" {
			if !json.Valid([]byte(tc.Payload)) {
				return nil, fmt.Errorf("task %s: payload is not valid JSON", tc.Name)
			}
			payload = json.RawMessage(tc.Payload)
		}
		action := scheduling.Action(tc.Action)
		if action == scheduling.ActionHeartbeat {
			hasHeartbeat = true
		}
		tasks = append(tasks, scheduling.Task{
			Name:     tc.Name,
			Schedule: tc.Schedule,
			Action:   action,
			OCPP:     tc.OCPPAction,
			Payload:  payload,
			Timeout:  tc.Timeout,
			OneShot:  tc.OneShot,
		})
	}
	if !hasHeartbeat && cp.HeartbeatInterval > 0 {
		tasks = append(tasks, scheduling.Task{
			Name:     heartbeatTask,
			Schedule: cp.HeartbeatInterval.String(),
			Action:   scheduling.ActionHeartbeat,
		})
	}
	return tasks, nil
}

func bootNotification(ctx context.Context, client *chargepoint.Client, cp config.ChargePointConfig) (time.Duration, error) {
	res, err := client.Call(ctx, "BootNotification", map[string]string{
		"chargePointVendor": cp.Vendor,
		"chargePointModel":  cp.Model,
	})
	if err != nil {
		return 0, err
	}
	var body struct {
		Status   string `json:"status"`
		Interval int    `json:"interval"`
	}
	if err := json.Unmarshal(res, &body); err != nil {
		return 0, fmt.Errorf("decode BootNotification response: %w", err)
	}
	if body.Status != "Accepted" {
		return 0, fmt.Errorf("boot %s by central system", body.Status)
	}
	return time.Duration(body.Interval) * time.Second, nil
}

// adoptHeartbeatInterval reschedules the implicit heartbeat task on the
// interval the central system returned.
func adoptHeartbeatInterval(sched *scheduling.Scheduler, cp config.ChargePointConfig, interval time.Duration, log *slog.Logger) {
	if interval <= 0 || interval == cp.HeartbeatInterval || cp.HeartbeatInterval <= 0 {
		return
	}
	if !sched.Remove(heartbeatTask) {
		return
	}
	if err := sched.AddTask(scheduling.Task{
		Name:     heartbeatTask,
		Schedule: interval.String(),
		Action:   scheduling.ActionHeartbeat,
	}); err != nil {
		log.Warn("reschedule heartbeat", "error", err)
		return
	}
	log.Info("heartbeat interval set by central system", "interval", interval)
}
