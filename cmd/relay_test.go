package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/classrelay/common"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func getFreePort(t *testing.T) uint16 {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Nil(t, err)
	defer listener.Close()
	return uint16(listener.Addr().(*net.TCPAddr).Port)
}

func TestRelayServerWithSocketClients(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	common.InstallDefaultConfigValues()
	var config common.SystemConfig
	assert.Nil(viper.Unmarshal(&config))
	assert.NotNil(config.Relay)
	assert.NotNil(config.Client)

	port := getFreePort(t)
	config.Relay.HTTPSetting.Server.ListenOn = "127.0.0.1"
	config.Relay.HTTPSetting.Server.Port = port
	config.Client.ServerURL = fmt.Sprintf("ws://127.0.0.1:%d/v1/socket", port)
	config.Client.MaxReconnectAttempts = 0
	config.Client.ReconnectDelay = 50

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	relayDone := make(chan error, 1)
	go func() {
		relayDone <- RunRelayServer(utCtxt, config.Relay, config.Fanout, "ut-relay", nil, &wg)
	}()

	assert.Eventually(func() bool {
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/v1/ready", port))
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, time.Second*5, time.Millisecond*50)

	// Case 0: emit reaches a subscribed socket
	{
		conn, _, err := websocket.DefaultDialer.Dial(config.Client.ServerURL, nil)
		assert.Nil(err)
		defer conn.Close()
		msg, err := common.EncodeEnvelope(
			common.EventSubscribe, &common.SubscribeRequest{CourseID: 11},
		)
		assert.Nil(err)
		assert.Nil(conn.WriteMessage(websocket.TextMessage, msg))
		_ = conn.SetReadDeadline(time.Now().Add(time.Second * 2))
		_, raw, err := conn.ReadMessage()
		assert.Nil(err)
		var ack common.Envelope
		assert.Nil(json.Unmarshal(raw, &ack))
		assert.Equal(common.EventSubscribed, ack.Event)

		emitCtxt, emitCancel := context.WithTimeout(utCtxt, time.Second*5)
		defer emitCancel()
		assert.Nil(RunEmit(emitCtxt, config.Client, EmitCLIArgs{
			CourseID: 11, Kind: "grade", Title: "Midterm graded", Message: "See portal",
		}, "ut-emit"))

		_ = conn.SetReadDeadline(time.Now().Add(time.Second * 2))
		_, raw, err = conn.ReadMessage()
		assert.Nil(err)
		var env common.Envelope
		assert.Nil(json.Unmarshal(raw, &env))
		assert.Equal(common.EventNotification, env.Event)
		var received common.Notification
		assert.Nil(json.Unmarshal(env.Data, &received))
		assert.Equal("Midterm graded", received.Title)
		assert.Equal(common.KindGrade, received.Kind)
	}

	// Case 1: invalid emit args
	{
		assert.NotNil(RunEmit(utCtxt, config.Client, EmitCLIArgs{
			CourseID: 11, Kind: "party", Title: "Midterm graded",
		}, "ut-emit"))
		assert.NotNil(RunListener(utCtxt, config.Client, ListenCLIArgs{}, "ut-listen"))
	}

	// Case 2: listener stops with the context
	{
		listenCtxt, listenCancel := context.WithCancel(utCtxt)
		listenDone := make(chan error, 1)
		go func() {
			listenDone <- RunListener(
				listenCtxt, config.Client, ListenCLIArgs{CourseID: 11}, "ut-listen",
			)
		}()
		time.Sleep(time.Millisecond * 100)
		listenCancel()
		select {
		case err := <-listenDone:
			assert.Nil(err)
		case <-time.After(time.Second * 2):
			assert.Fail("listener did not stop")
		}
	}

	utCtxtCancel()
	select {
	case err := <-relayDone:
		assert.Nil(err)
	case <-time.After(time.Second * 15):
		assert.Fail("relay did not stop")
	}
}

func TestListenerUnreachableRelay(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	config := common.ClientConfig{
		ServerURL:            fmt.Sprintf("ws://127.0.0.1:%d/v1/socket", getFreePort(t)),
		MaxReconnectAttempts: 1,
		ReconnectDelay:       10,
		HandshakeTimeout:     1,
		InboxSize:            5,
	}
	utCtxt, utCtxtCancel := context.WithTimeout(context.Background(), time.Second*5)
	defer utCtxtCancel()

	assert.NotNil(RunListener(utCtxt, &config, ListenCLIArgs{CourseID: 3}, "ut-listen"))
	assert.NotNil(RunEmit(utCtxt, &config, EmitCLIArgs{
		CourseID: 3, Kind: "info", Title: "Hello",
	}, "ut-emit"))
}
