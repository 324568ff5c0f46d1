package ctrlsock

import "testing"

func TestDecodeMsgSetEnvWithAndWithoutValue(t *testing.T) {
	m, err := decodeMsg("set-env FOO=bar")
	if err != nil {
		t.Fatal(err)
	}
	if m.Kind != MsgSetEnv || m.EnvKey != "FOO" || m.EnvValue != "bar" {
		t.Fatalf("got %+v", m)
	}

	m, err = decodeMsg("set-env FOO")
	if err != nil {
		t.Fatal(err)
	}
	if m.EnvKey != "FOO" || m.EnvValue != "" {
		t.Fatalf("empty value must mean delete: got %+v", m)
	}
}

func TestDecodeMsgPingAndExit(t *testing.T) {
	if m, err := decodeMsg("ping"); err != nil || m.Kind != MsgPing {
		t.Fatalf("ping: %+v, %v", m, err)
	}
	if m, err := decodeMsg("exit"); err != nil || m.Kind != MsgExit {
		t.Fatalf("exit: %+v, %v", m, err)
	}
}

func TestDecodeMsgUnknownCommand(t *testing.T) {
	if _, err := decodeMsg("frobnicate"); err == nil {
		t.Fatalf("expected an error for an unrecognized command")
	}
}

func TestDecodeMsgSetChildrenMax(t *testing.T) {
	m, err := decodeMsg("set-children-max 16")
	if err != nil {
		t.Fatal(err)
	}
	if m.Kind != MsgSetChildrenMax || m.ChildrenMax != 16 {
		t.Fatalf("got %+v", m)
	}
	if _, err := decodeMsg("set-children-max notanumber"); err == nil {
		t.Fatalf("expected an error for a non-numeric argument")
	}
}
