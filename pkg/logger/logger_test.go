package logger

import "testing"

func TestEmbeddedModeDeliversToChannel(t *testing.T) {
	l := New(Embedded, 4, nil)
	l.Info("hello", nil)
	select {
	case rec := <-l.EmbeddedChannel():
		if rec.Message != "hello" {
			t.Errorf("got message %q, want hello", rec.Message)
		}
	default:
		t.Fatal("expected a record on the embedded channel")
	}
}

func TestEmbeddedModeFallsBackWhenChannelFull(t *testing.T) {
	l := New(Embedded, 1, nil)
	l.Info("first", nil)
	// Channel capacity 1 is now full; this must not block or panic.
	l.Info("second", nil)
	<-l.EmbeddedChannel()
}

func TestNetworkModePublishesNotification(t *testing.T) {
	watch := make(chan Notification, 4)
	l := New(Network, 4, watch)
	l.Warn("careful", map[string]any{"code": 7})
	select {
	case n := <-watch:
		if n.Record.Message != "careful" || n.Record.Severity != SeverityWarn {
			t.Errorf("unexpected notification: %+v", n)
		}
	default:
		t.Fatal("expected a notification on the watch channel")
	}
}

func TestDualModeDeliversBothEmbeddedAndNetwork(t *testing.T) {
	watch := make(chan Notification, 4)
	l := New(Dual, 4, watch)
	l.Error("boom", nil)
	select {
	case <-l.EmbeddedChannel():
	default:
		t.Error("expected embedded delivery in Dual mode")
	}
	select {
	case <-watch:
	default:
		t.Error("expected network delivery in Dual mode")
	}
}

func TestSetModeSwitchesDeliveryAtomically(t *testing.T) {
	watch := make(chan Notification, 4)
	l := New(Standalone, 4, watch)
	l.Info("before", nil)
	select {
	case <-watch:
		t.Fatal("did not expect network delivery in Standalone mode")
	default:
	}
	l.SetMode(Network)
	l.Info("after", nil)
	select {
	case <-watch:
	default:
		t.Fatal("expected network delivery after switching to Network mode")
	}
}

func TestGlobalReturnsLazilyInitializedSingleton(t *testing.T) {
	first := Global()
	second := Global()
	if first != second {
		t.Error("expected Global() to return the same instance across calls")
	}
}

func TestSetLevelRejectsUnknownLevel(t *testing.T) {
	l := New(Standalone, 4, nil)
	if err := l.SetLevel("verbose"); err == nil {
		t.Error("expected an error for an invalid log level")
	}
}
