package main

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog/log"

	"pglivequery/repl"
)

// wsSendBuffer bounds the per-client event backlog. A client that cannot
// keep up is disconnected rather than allowed to stall the stream.
const wsSendBuffer = 256

// registerChangesWS exposes the change stream over a websocket endpoint.
// Each connected client gets its own subscription and sees every event from
// the moment it connected, JSON-encoded.
func registerChangesWS(app *fiber.App, stream *repl.Stream) {
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/changes", websocket.New(func(c *websocket.Conn) {
		send := make(chan repl.ChangeEvent, wsSendBuffer)
		done := make(chan struct{})
		var once sync.Once
		finish := func() {
			once.Do(func() { close(done) })
		}

		sub := stream.Subscribe(repl.Observer{
			Next: func(ev repl.ChangeEvent) {
				select {
				case send <- ev:
				default:
					log.Warn().Str("remote", c.RemoteAddr().String()).Msg("Dropping slow websocket client")
					finish()
				}
			},
			Error:    func(error) { finish() },
			Complete: finish,
		})
		defer sub.Unsubscribe()

		log.Debug().Str("remote", c.RemoteAddr().String()).Msg("Websocket client connected")
		for {
			select {
			case <-done:
				return
			case ev := <-send:
				if err := c.WriteJSON(ev); err != nil {
					return
				}
			}
		}
	}))
}
