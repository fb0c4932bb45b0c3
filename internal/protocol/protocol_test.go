package protocol

import (
	"errors"
	"testing"
)

func TestFrame(t *testing.T) {
	got := string(Frame(CmdVersion))
	if got != "$Version:number$" {
		t.Errorf("Frame() = %q, want %q", got, "$Version:number$")
	}

	text, ok := Unframe([]byte(got))
	if !ok || text != CmdVersion {
		t.Errorf("Unframe() = %q, %v", text, ok)
	}

	for _, bad := range []string{"", "$", "Version", "$Version", "Version$"} {
		if _, ok := Unframe([]byte(bad)); ok {
			t.Errorf("Unframe(%q) should fail", bad)
		}
	}

	if text, ok := Unframe([]byte("$$")); !ok || text != "" {
		t.Errorf("Unframe($$) = %q, %v", text, ok)
	}
}

func TestShutdown(t *testing.T) {
	p := ShutdownPayload()
	if len(p) != 1 || p[0] != 0xFE {
		t.Errorf("ShutdownPayload() = %x", p)
	}
	if !IsShutdown(p) {
		t.Error("IsShutdown() = false")
	}
	if IsShutdown(Frame("x")) {
		t.Error("IsShutdown() on command = true")
	}
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		reply string
		want  Outcome
	}{
		{"OK", Success{}},
		{"OK:42.5", Numeric{Value: 42.5}},
		{"OK:idle", Text{Value: "idle"}},
		{"OK:42.5\x00\x00", Numeric{Value: 42.5}},
		{"OK:idle\x00", Text{Value: "idle"}},
		{"OK:-3", Numeric{Value: -3}},
		{"OK:1e3", Numeric{Value: 1000}},
		{"OK:", Text{Value: ""}},
		{"OK:a:b", Text{Value: "a:b"}},
		{"OKAY", Success{}},
		{"ERR:bad command", Failure{Detail: "ERR:bad command"}},
		{"", Failure{Detail: ""}},
		{"ok", Failure{Detail: "ok"}},
	}

	for _, tc := range tests {
		t.Run(tc.reply, func(t *testing.T) {
			got := ParseResponse([]byte(tc.reply))
			if got != tc.want {
				t.Errorf("ParseResponse(%q) = %#v, want %#v", tc.reply, got, tc.want)
			}
		})
	}
}

func TestErr(t *testing.T) {
	if err := Err(Success{}); err != nil {
		t.Errorf("Err(Success) = %v", err)
	}
	if err := Err(Numeric{Value: 1}); err != nil {
		t.Errorf("Err(Numeric) = %v", err)
	}

	err := Err(Failure{Detail: "ERR:bad command"})
	var respErr *ResponseError
	if !errors.As(err, &respErr) {
		t.Fatalf("Err(Failure) = %v, want *ResponseError", err)
	}
	if respErr.Response != "ERR:bad command" {
		t.Errorf("Response = %q", respErr.Response)
	}
}

func TestOutcomeString(t *testing.T) {
	tests := []struct {
		o    Outcome
		want string
	}{
		{Success{}, "OK"},
		{Numeric{Value: 42.5}, "42.5"},
		{Numeric{Value: 2000}, "2000"},
		{Text{Value: "idle"}, "idle"},
		{Failure{Detail: "ERR"}, "ERR"},
	}
	for _, tc := range tests {
		if got := tc.o.String(); got != tc.want {
			t.Errorf("%#v.String() = %q, want %q", tc.o, got, tc.want)
		}
	}
}

func TestCommandBuilders(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"image", GetImageCommand(ImageFirstMoment, 51000, 1, 1), "get_data:image,51000,tiff,1,1"},
		{"fit", GetImageCommand(ImageFit, 51000, 2, 3), "get_data:fitimage,51000,tiff,2,3"},
		{"fitted", GetImageCommand(ImageFitted, 1234, 1, 1), "get_data:fittedimage,1234,tiff,1,1"},
		{"trace", GetTraceCommand(40000, 1), "get_data:trace,40000,imagedecay,0"},
		{"trace 5", GetTraceCommand(40000, 5), "get_data:trace,40000,imagedecay,4"},
		{"pixelx", SetParameterCommand(ParamPixelX, 256), "setparameter:pixelx,256"},
		{"menu", PressMenuCommand(MenuSystemParameter), "pressmenu:systemparameter"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.got != tc.want {
				t.Errorf("got %q, want %q", tc.got, tc.want)
			}
		})
	}
}

func TestParseImageKind(t *testing.T) {
	tests := map[string]ImageKind{
		"":            ImageFirstMoment,
		"1stMoment":   ImageFirstMoment,
		"fit":         ImageFit,
		"Fitted":      ImageFitted,
		"fittedimage": ImageFitted,
	}
	for in, want := range tests {
		got, err := ParseImageKind(in)
		if err != nil || got != want {
			t.Errorf("ParseImageKind(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseImageKind("3d"); err == nil {
		t.Error("ParseImageKind(3d) should fail")
	}
}

func TestParseRequest(t *testing.T) {
	req := ParseRequest("get_data:trace,40000,imagedecay,0")
	if req.Verb != "get_data" || len(req.Args) != 4 {
		t.Fatalf("ParseRequest() = %#v", req)
	}
	port, err := req.IntArg(1)
	if err != nil || port != 40000 {
		t.Errorf("IntArg(1) = %d, %v", port, err)
	}
	if _, err := req.IntArg(2); err == nil {
		t.Error("IntArg(2) on text should fail")
	}
	if _, err := req.IntArg(9); err == nil {
		t.Error("IntArg(9) should fail")
	}

	bare := ParseRequest("Version")
	if bare.Verb != "Version" || bare.Args != nil {
		t.Errorf("ParseRequest(Version) = %#v", bare)
	}
}
