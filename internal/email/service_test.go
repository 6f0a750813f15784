package email

import (
	"strings"
	"testing"
)

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{
			name:     "empty config",
			config:   Config{},
			expected: false,
		},
		{
			name: "missing host",
			config: Config{
				Port: "587",
				From: "test@example.com",
			},
			expected: false,
		},
		{
			name: "missing port",
			config: Config{
				Host: "smtp.example.com",
				From: "test@example.com",
			},
			expected: false,
		},
		{
			name: "missing from",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
			},
			expected: false,
		},
		{
			name: "fully configured",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
				From: "test@example.com",
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.config)
			if svc.IsConfigured() != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", svc.IsConfigured(), tt.expected)
			}
		})
	}
}

func TestRenderOTPTemplate(t *testing.T) {
	data := OTPData{
		AppName:  "DefenseSteps",
		UserName: "operator1",
		Code:     "481736",
		Minutes:  10,
	}

	html, err := renderTemplate(otpEmailTemplate, data)
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}

	if !strings.Contains(html, "DefenseSteps") {
		t.Error("template should contain app name")
	}
	if !strings.Contains(html, "operator1") {
		t.Error("template should contain user name")
	}
	if !strings.Contains(html, "481736") {
		t.Error("template should contain the code")
	}
	if !strings.Contains(html, "10 minutes") {
		t.Error("template should mention expiration time")
	}
}
