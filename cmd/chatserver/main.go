package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/babachat/chat-server/internal/cache"
	"github.com/babachat/chat-server/internal/coordinator"
	"github.com/babachat/chat-server/internal/notify"
	"github.com/babachat/chat-server/internal/protocol"
	"github.com/babachat/chat-server/internal/ratelimit"
	"github.com/babachat/chat-server/internal/ws"
)

func main() {
	serverConfig := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		serverConfig.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			serverConfig.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			serverConfig.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			serverConfig.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			serverConfig.WriteTimeout = d
		}
	}

	coordConfig := coordinator.DefaultConfig()
	if v := os.Getenv("MAX_MESSAGE_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			coordConfig.Limits.MaxMessageLen = n
		}
	}
	if v := os.Getenv("MAX_USERNAME_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			coordConfig.Limits.MaxUsernameLen = n
		}
	}
	if v := os.Getenv("MAX_ROOM_NAME_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			coordConfig.Limits.MaxRoomNameLen = n
		}
	}
	if v := os.Getenv("BANNED_WORDS"); v != "" {
		coordConfig.Limits.BannedWords = strings.Split(v, ",")
	}
	if v := os.Getenv("ROOM_GRACE_PERIOD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			coordConfig.RoomGracePeriod = d
		}
	}
	if v := os.Getenv("TYPING_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			coordConfig.TypingTimeout = d
		}
	}
	if v := os.Getenv("SESSION_IDLE_MAX"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			coordConfig.SessionIdleMax = d
		}
	}
	if v := os.Getenv("REAP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			coordConfig.ReapInterval = d
		}
	}

	// --- Redis (best effort) ---
	redisAddr := os.Getenv("REDIS_ADDR")
	store := cache.NewStore(redisAddr)
	limiter := ratelimit.NewLimiter(store.Client())

	// --- NATS (optional mention hook) ---
	var notifier notify.Notifier = notify.NopNotifier{}
	var natsNotifier *notify.NATSNotifier
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig := notify.DefaultConfig()
		natsConfig.URL = natsURL
		var err error
		natsNotifier, err = notify.NewNATSNotifier(natsConfig)
		if err != nil {
			log.Printf("mention notifications disabled: %v", err)
		} else {
			notifier = natsNotifier
		}
	}

	log.Printf("chat server starting")
	log.Printf("  listen_addr:       %s", serverConfig.ListenAddr)
	log.Printf("  worker_pool:       %d", serverConfig.WorkerPoolSize)
	log.Printf("  max_connections:   %d", serverConfig.MaxConnections)
	log.Printf("  read_timeout:      %s", serverConfig.ReadTimeout)
	log.Printf("  write_timeout:     %s", serverConfig.WriteTimeout)
	log.Printf("  room_grace_period: %s", coordConfig.RoomGracePeriod)
	log.Printf("  typing_timeout:    %s", coordConfig.TypingTimeout)
	log.Printf("  session_idle_max:  %s", coordConfig.SessionIdleMax)
	log.Printf("  redis:             %v", store.Available())
	log.Printf("  nats:              %v", natsNotifier != nil)

	dispatcher := ws.NewMessageDispatcher()
	server := ws.NewServer(serverConfig, dispatcher.Dispatch)

	coord := coordinator.New(coordConfig, server, store, notifier, limiter)

	server.SetOnConnect(coord.HandleConnect)
	server.SetOnDisconnect(func(connID string) {
		coord.HandleDisconnect(context.Background(), connID)
	})
	server.SetStatsProvider(func() ws.Stats {
		rooms, members, sessions, typingMarkers := coord.Stats()
		return ws.Stats{
			Rooms:    rooms,
			Members:  members,
			Sessions: sessions,
			Typing:   typingMarkers,
		}
	})

	// -----------------------------------------------------------------------
	// Client event handlers
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeCreateRoom, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.CreateRoomMsg)
		if !ok {
			return
		}
		coord.HandleCreateRoom(context.Background(), conn.ID, m.RoomID)
	})

	dispatcher.Register(protocol.TypeJoin, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.JoinMsg)
		if !ok {
			return
		}
		coord.HandleJoin(context.Background(), conn.ID, m.Room, m.Username)
	})

	dispatcher.Register(protocol.TypeLeave, func(conn *ws.Connection, msg interface{}) {
		coord.HandleLeave(context.Background(), conn.ID)
	})

	dispatcher.Register(protocol.TypeMessage, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.ChatMsg)
		if !ok {
			return
		}
		coord.HandleMessage(context.Background(), conn.ID, m.Room, m.Username, m.Msg)
	})

	dispatcher.Register(protocol.TypeTypingStart, func(conn *ws.Connection, msg interface{}) {
		coord.HandleTypingStart(context.Background(), conn.ID)
	})

	dispatcher.Register(protocol.TypeTypingStop, func(conn *ws.Connection, msg interface{}) {
		coord.HandleTypingStop(context.Background(), conn.ID)
	})

	dispatcher.Register(protocol.TypeGetUserList, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.GetUserListMsg)
		if !ok {
			return
		}
		coord.HandleListUsers(context.Background(), conn.ID, m.RoomID)
	})

	dispatcher.Register(protocol.TypeGetRooms, func(conn *ws.Connection, msg interface{}) {
		coord.HandleListRooms(context.Background(), conn.ID)
	})

	dispatcher.Register(protocol.TypePing, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.PingMsg)
		if !ok {
			return
		}
		coord.HandlePing(context.Background(), conn.ID, m.Timestamp)
	})

	// -----------------------------------------------------------------------
	// Background reapers (typing expiry, idle sessions)
	// -----------------------------------------------------------------------
	reapCtx, cancelReapers := context.WithCancel(context.Background())
	go coordinator.StartReapers(reapCtx, coord, coordConfig.ReapInterval)

	// -----------------------------------------------------------------------
	// Run until signalled
	// -----------------------------------------------------------------------
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received signal %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			log.Printf("server error: %v", err)
		}
	}

	cancelReapers()
	if err := server.Shutdown(); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	if natsNotifier != nil {
		natsNotifier.Close()
	}
	if err := store.Close(); err != nil {
		log.Printf("cache close error: %v", err)
	}

	log.Println("chat server stopped")
}
