package main

import (
	"context"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"ocpp-gateway/internal/adapter/gateway"
	"ocpp-gateway/internal/infra/config"
	"ocpp-gateway/internal/usecase/centralsystem"
	"ocpp-gateway/internal/usecase/scheduling"
	"ocpp-gateway/pkg/chargepoint"
)

func startCentralSystem(t *testing.T, handlers *centralsystem.Handlers) string {
	t.Helper()
	srv := gateway.NewServer(nil, gateway.Options{Addr: "127.0.0.1:0", PathPrefix: "/ocpp/"}, quietLogger())
	srv.OnConnection(handlers.Register)
	go srv.Start(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	for srv.BoundAddr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not start in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Cleanup(func() { srv.Stop(context.Background()) })
	return "ws://" + srv.BoundAddr() + "/ocpp/"
}

func TestChargePointTasksImplicitHeartbeat(t *testing.T) {
	tasks, err := chargePointTasks(config.ChargePointConfig{
		HeartbeatInterval: 5 * time.Minute,
		Tasks: []config.TaskConfig{{
			Name:       "meter",
			Schedule:   "*/5 * * * *",
			Action:     "call",
			OCPPAction: "MeterValues",
			Payload:    `{"connectorId":1}`,
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Fatalf("tasks = %+v", tasks)
	}
	if tasks[0].OCPP != "MeterValues" || string(tasks[0].Payload) != `{"connectorId":1}` {
		t.Errorf("call task = %+v", tasks[0])
	}
	if tasks[1].Name != heartbeatTask || tasks[1].Schedule != "5m0s" || tasks[1].Action != scheduling.ActionHeartbeat {
		t.Errorf("heartbeat task = %+v", tasks[1])
	}
}

func TestChargePointTasksExplicitHeartbeat(t *testing.T) {
	tasks, err := chargePointTasks(config.ChargePointConfig{
		HeartbeatInterval: time.Minute,
		Tasks:             []config.TaskConfig{{Name: "hb", Schedule: "30s", Action: "heartbeat"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].Name != "hb" {
		t.Errorf("tasks = %+v", tasks)
	}
	if string(tasks[0].Payload) != `{}` {
		t.Errorf("default payload = %s", tasks[0].Payload)
	}
}

func TestChargePointTasksBadPayload(t *testing.T) {
	_, err := chargePointTasks(config.ChargePointConfig{
		Tasks: []config.TaskConfig{{Name: "x", Schedule: "1m", Action: "call", OCPPAction: "DataTransfer", Payload: "{"}},
	})
	if err == nil {
		t.Error("expected payload error")
	}
}

func TestBootNotificationAgainstCentralSystem(t *testing.T) {
	handlers := centralsystem.New(centralsystem.Options{HeartbeatInterval: 2 * time.Minute}, quietLogger())
	url := startCentralSystem(t, handlers)

	client := chargepoint.New("CP001", chargepoint.WithLogger(quietLogger()))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx, url); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close(int(websocket.StatusNormalClosure), "")

	cp := config.ChargePointConfig{Vendor: "ACME", Model: "X1"}
	interval, err := bootNotification(ctx, client, cp)
	if err != nil {
		t.Fatalf("bootNotification: %v", err)
	}
	if interval != 2*time.Minute {
		t.Errorf("interval = %v, want 2m", interval)
	}

	st, ok := handlers.Station("CP001")
	if !ok || st.Boot == nil || st.Boot.Vendor != "ACME" || st.Boot.Model != "X1" {
		t.Errorf("station = %+v", st)
	}
}

func TestAdoptHeartbeatInterval(t *testing.T) {
	sched := scheduling.NewScheduler(quietLogger())
	sched.RegisterAction(scheduling.ActionHeartbeat, func(context.Context, scheduling.Task) error { return nil })
	cp := config.ChargePointConfig{HeartbeatInterval: 5 * time.Minute}

	tasks, err := chargePointTasks(cp)
	if err != nil {
		t.Fatal(err)
	}
	for _, task := range tasks {
		if err := sched.AddTask(task); err != nil {
			t.Fatal(err)
		}
	}
	sched.Start(context.Background())
	defer sched.Stop()

	before, ok := sched.NextRun(heartbeatTask)
	if !ok {
		t.Fatal("heartbeat not scheduled")
	}

	adoptHeartbeatInterval(sched, cp, 10*time.Minute, quietLogger())

	after, ok := sched.NextRun(heartbeatTask)
	if !ok {
		t.Fatal("heartbeat lost after rescheduling")
	}
	if !after.After(before) {
		t.Errorf("next run %v not later than %v", after, before)
	}
}

func TestAdoptHeartbeatIntervalWithoutImplicitTask(t *testing.T) {
	sched := scheduling.NewScheduler(quietLogger())
	sched.RegisterAction(scheduling.ActionHeartbeat, func(context.Context, scheduling.Task) error { return nil })

	// No implicit heartbeat task exists, so nothing is rescheduled.
	adoptHeartbeatInterval(sched, config.ChargePointConfig{HeartbeatInterval: time.Minute}, time.Hour, quietLogger())
	if _, ok := sched.NextRun(heartbeatTask); ok {
		t.Error("heartbeat task created from nothing")
	}
}
