package notify

import (
	"testing"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildMessage(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	from, err := mail.ParseAddress(DefaultFrom)
	require.NoError(err)
	to, err := mail.ParseAddress("user@example.com")
	require.NoError(err)

	msg, id, err := buildMessage(from, to, `✅ Task "x" completed successfully`, "<p>hello</p>")
	require.NoError(err)
	assert.NotEmpty(id)

	s := string(msg)
	assert.Contains(s, "Content-Type: text/html")
	assert.Contains(s, "notifications@resend.dev")
	assert.Contains(s, "Subject: ")
	assert.Contains(s, "hello")
}

func TestNewSMTPMailer(t *testing.T) {
	_, err := NewSMTPMailer(SMTPConfig{})
	assert.Error(t, err)

	m, err := NewSMTPMailer(SMTPConfig{Host: "smtp.example.com", Port: 465})
	require.NoError(t, err)
	assert.True(t, m.cfg.ImplicitTLS)
}
