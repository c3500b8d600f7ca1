package transport

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/nyxmq/broker/internal/auth"
	"github.com/nyxmq/broker/internal/broker"
	"github.com/nyxmq/broker/internal/delivery"
	"github.com/nyxmq/broker/internal/logger"
	pkt "github.com/nyxmq/broker/internal/packet"
	"github.com/nyxmq/broker/pkg/er"
)

type TCPServer struct {
	addr               string
	listener           net.Listener
	broker             *broker.Broker
	isShuttingdown     atomic.Bool
	maxConnections     int
	currentConnections atomic.Int32
	authStore          *auth.Store
}

// New creates a new TCPServer instance, wired to a shared delivery.Engine
// and the admission defaults every connecting client's delivery.Client is
// seeded with.
func New(addr string, db *sql.DB, engine *delivery.Engine, policy delivery.AdmissionPolicy, inflightMaximum int, maxQoS pkt.QoSLevel) *TCPServer {
	return &TCPServer{
		addr:           addr,
		broker:         broker.New(engine, policy, inflightMaximum, maxQoS),
		maxConnections: 1000,
		authStore:      auth.New(db),
	}
}

// Broker exposes the underlying broker, e.g. for internal/housekeeping and
// internal/sysinfo wiring at startup.
func (srv *TCPServer) Broker() *broker.Broker {
	return srv.broker
}

// Start begins accepting TCP connections
func (srv *TCPServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%s", srv.addr))
	if err != nil {
		return err
	}
	srv.listener = listener
	go srv.accept(ctx)
	return nil
}

// Stop shuts down the listener gracefully
func (srv *TCPServer) Stop() error {
	srv.isShuttingdown.Store(true)
	if srv.listener != nil {
		return srv.listener.Close()
	}
	return nil
}

func (srv *TCPServer) accept(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			logger.Println("shutting down accept...")
			return
		default:
			conn, err := srv.listener.Accept()
			if err != nil {
				if srv.isShuttingdown.Load() {
					return
				}
				logger.Println("accept error: ", err)
				continue
			}
			go srv.handleConnection(conn)
		}
	}
}

// Checks if the server can accept a new connection
func (srv *TCPServer) checkServerAvailability() string {
	if srv.isShuttingdown.Load() {
		return "server is shutting down"
	}
	if srv.currentConnections.Load() >= int32(srv.maxConnections) {
		return "maximum connections exceeded"
	}
	return ""
}

func (srv *TCPServer) handleConnection(conn net.Conn) {
	clientID := ""
	cleanDisconnect := false

	defer func() {
		conn.Close()
		srv.currentConnections.Add(-1)
		if clientID != "" {
			srv.dispatchWillIfNeeded(clientID, cleanDisconnect)
			srv.broker.HandleClientDisconnect(clientID)
			if session, ok := srv.broker.Get(clientID); ok {
				session.Connected = false
				session.Conn = nil
				srv.broker.Store(clientID, session)
			}
		}
		logger.Printf("Connection from %s closed", conn.RemoteAddr())
	}()

	// Server load and shutdown checks
	if reason := srv.checkServerAvailability(); reason != "" {
		ack := pkt.NewConnAck(false, pkt.ServerUnavailable)
		conn.Write(ack)
		conn.Close()
		return
	}

	srv.currentConnections.Add(1)
	logger.Printf("Client connected from %s (connections: %d/%d)", conn.RemoteAddr(), srv.currentConnections.Load(), srv.maxConnections)
	connectionTimestamp := time.Now().Unix()

	reader := bufio.NewReader(conn)
	sessionEstablished := false

	for {
		// Read fixed header (1 byte)
		fixedHeaderByte, err := reader.ReadByte()
		if err != nil {
			if err == io.EOF {
				logger.Printf("Client %s disconnected", conn.RemoteAddr())
			} else {
				logger.Printf("Read error from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}

		// Read Remaining Length (variable-length int, max 4 bytes)
		remLenBuf := make([]byte, 4)
		remLenOffset := 0
		remainingLength := 0
		multiplier := 1

		for {
			if remLenOffset >= len(remLenBuf) {
				logger.Printf("Remaining length too large from %s", conn.RemoteAddr())
				srv.sendAndClose(conn, pkt.NewConnAck(false, pkt.UnacceptableProtocolVersion))
				return
			}
			b, err := reader.ReadByte()
			if err != nil {
				logger.Printf("Error reading remaining length from %s: %v", conn.RemoteAddr(), err)
				return
			}
			remLenBuf[remLenOffset] = b
			remLenOffset++
			remainingLength += int(b&0x7F) * multiplier
			multiplier *= 128
			if (b & 0x80) == 0 {
				break
			}
		}

		// Allocate full packet buffer (fixed header + remaining length + variable header/payload)
		totalPacketSize := 1 + remLenOffset + remainingLength
		rawPacket := make([]byte, totalPacketSize)
		rawPacket[0] = fixedHeaderByte
		copy(rawPacket[1:1+remLenOffset], remLenBuf[:remLenOffset])

		_, err = io.ReadFull(reader, rawPacket[1+remLenOffset:])
		if err != nil {
			logger.Printf("Error reading full packet from %s: %v", conn.RemoteAddr(), err)
			return
		}

		packet, err := pkt.Parse(rawPacket)
		if err != nil {
			logger.Printf("Parse error from %s: %v", conn.RemoteAddr(), err)

			var returnCode byte
			switch {
			case errors.Is(err, er.ErrUnsupportedProtocolLevel), errors.Is(err, er.ErrUnsupportedProtocolName):
				returnCode = pkt.UnacceptableProtocolVersion
			case errors.Is(err, er.ErrInvalidCharsClientID), errors.Is(err, er.ErrClientIDLengthExceed), errors.Is(err, er.ErrIdentifierRejected):
				returnCode = pkt.IdentifierRejected
			case errors.Is(err, er.ErrPasswordWithoutUsername), errors.Is(err, er.ErrMalformedUsernameField), errors.Is(err, er.ErrMalformedPasswordField):
				returnCode = pkt.BadUsernameOrPassword
			case errors.Is(err, er.ErrInvalidPacketLength):
				srv.sendAndClose(conn, pkt.NewConnAck(false, pkt.UnacceptableProtocolVersion))
				return
			default:
				srv.sendAndClose(conn, pkt.NewConnAck(false, pkt.ServerUnavailable))
				return
			}
			srv.sendAndClose(conn, pkt.NewConnAck(false, returnCode))
			return
		}

		if !sessionEstablished {
			if !packet.IsConnect() {
				logger.Printf("Expected CONNECT from %s, got %v", conn.RemoteAddr(), packet.Type)
				srv.sendAndClose(conn, pkt.NewConnAck(false, pkt.UnacceptableProtocolVersion))
				return
			}
			connectPkt := packet.GetConnect()
			if connectPkt == nil {
				logger.Printf("Invalid CONNECT packet from %s", conn.RemoteAddr())
				srv.sendAndClose(conn, pkt.NewConnAck(false, pkt.ServerUnavailable))
				return
			}

			// Auth check if username/password is provided
			if connectPkt.UsernameFlag && connectPkt.PasswordFlag {
				if err := srv.authStore.Authenticate(*connectPkt.Username, *connectPkt.Password); err != nil {
					logger.Printf("Auth failed for %s: %v", connectPkt.ClientID, err)
					srv.sendAndClose(conn, pkt.NewConnAck(false, pkt.BadUsernameOrPassword))
					return
				}
			}

			// Session management: Clean or resume
			existing, sessionExists := srv.broker.Get(connectPkt.ClientID)
			sessionPresent := false

			if connectPkt.CleanSession && sessionExists {
				logger.Printf("Client %s requested clean session, deleting existing", connectPkt.ClientID)
				srv.broker.Delete(connectPkt.ClientID)
				sessionExists = false
			}

			deliveryClient := srv.broker.NewClientDeliveryState(connectPkt.ClientID)
			if !connectPkt.CleanSession && sessionExists && existing.Delivery != nil {
				logger.Printf("Client %s resuming persistent session", connectPkt.ClientID)
				sessionPresent = true
				deliveryClient = existing.Delivery
				deliveryClient.Connected = true
			}
			deliveryClient.Connected = true

			newSession := &broker.Session{
				ClientID:     connectPkt.ClientID,
				CleanSession: connectPkt.CleanSession,
				WillQoS:      connectPkt.WillQoS,
				WillRetain:   connectPkt.WillRetain,

				KeepAlive:           connectPkt.KeepAlive,
				Connected:           true,
				ConnectionTimestamp: connectionTimestamp,
				Conn:                conn,
				Delivery:            deliveryClient,
			}
			if connectPkt.Username != nil {
				newSession.Username = *connectPkt.Username
			}
			if connectPkt.WillTopic != nil && *connectPkt.WillTopic != "" {
				newSession.WillTopic = connectPkt.WillTopic
				newSession.WillMessage = connectPkt.WillMessage
			}
			srv.broker.Store(connectPkt.ClientID, newSession)

			if sessionPresent {
				srv.broker.Engine().ReconnectReset(deliveryClient)
			}

			clientID = connectPkt.ClientID

			// Send CONNACK
			conn.Write(pkt.NewConnAck(sessionPresent, pkt.ConnectionAccepted))
			sessionEstablished = true
			continue
		}

		switch packet.Type {
		case pkt.PUBLISH:
			p := packet.Publish
			if p == nil {
				logger.Printf("Nil PUBLISH packet from %s", conn.RemoteAddr())
				return
			}
			logger.Printf("Received PUBLISH: Topic=%s Payload=%s QoS=%d", p.Topic, string(p.Payload), p.QoS)

			if err := srv.broker.HandlePublish(clientID, p); err != nil {
				logger.Printf("Publish failed for %s: %v", conn.RemoteAddr(), err)
			}

			if p.QoS == pkt.QoSAtLeastOnce && p.PacketID != nil {
				puback := pkt.NewPubAck(*p.PacketID)
				if _, err := conn.Write(puback); err != nil {
					logger.Printf("Error sending PUBACK to %s: %v", conn.RemoteAddr(), err)
					return
				}
			}

		case pkt.SUBSCRIBE:
			session, ok := srv.broker.Get(clientID)
			if !ok {
				return
			}
			suback := srv.broker.HandleSubscribe(session, packet.Subscribe)
			if suback == nil {
				return
			}
			if _, err := conn.Write(suback.Encode()); err != nil {
				logger.Printf("Error sending SUBACK to %s: %v", conn.RemoteAddr(), err)
				return
			}

		case pkt.UNSUBSCRIBE:
			session, ok := srv.broker.Get(clientID)
			if !ok {
				return
			}
			unsuback := srv.broker.HandleUnsubscribe(session, packet.Unsubscribe)
			if unsuback == nil {
				return
			}
			if _, err := conn.Write(unsuback.Encode()); err != nil {
				logger.Printf("Error sending UNSUBACK to %s: %v", conn.RemoteAddr(), err)
				return
			}

		case pkt.PUBACK, pkt.PUBREC, pkt.PUBREL, pkt.PUBCOMP:
			srv.handleAck(clientID, packet)

		case pkt.PINGREQ:
			pingresp := pkt.CreatePingresp()
			if _, err := conn.Write(pingresp.Encode()); err != nil {
				logger.Printf("Error sending PINGRESP to %s: %v", conn.RemoteAddr(), err)
				return
			}

		case pkt.DISCONNECT:
			logger.Printf("Received DISCONNECT from %s", conn.RemoteAddr())
			cleanDisconnect = true
			return

		default:
			logger.Printf("Unhandled packet type %v from %s", packet.Type, conn.RemoteAddr())
			srv.sendAndClose(conn, pkt.NewConnAck(false, pkt.UnacceptableProtocolVersion))
			return
		}
	}
}

// handleAck advances the delivery core's per-client state machine on
// receipt of a PUBACK/PUBREC/PUBREL/PUBCOMP.
func (srv *TCPServer) handleAck(clientID string, parsed *pkt.ParsedPacket) {
	session, ok := srv.broker.Get(clientID)
	if !ok || session.Delivery == nil || parsed.Ack == nil {
		return
	}
	engine := srv.broker.Engine()
	mid := parsed.Ack.PacketID

	switch parsed.Type {
	case pkt.PUBACK:
		if err := engine.MessageDeleteOutgoing(session.Delivery, mid, delivery.StateWaitForPuback, pkt.QoSAtLeastOnce); err != nil {
			logger.Printf("puback for %s mid %d: %v", clientID, mid, err)
		}
	case pkt.PUBREC:
		if err := engine.MessageUpdateOutgoing(session.Delivery, mid, delivery.StateWaitForPubrel, pkt.QoSExactlyOnce); err != nil {
			logger.Printf("pubrec for %s mid %d: %v", clientID, mid, err)
			return
		}
		if err := srv.broker.SendPubrel(clientID, mid); err != nil {
			logger.Printf("send pubrel to %s: %v", clientID, err)
		} else {
			engine.MessageUpdateOutgoing(session.Delivery, mid, delivery.StateWaitForPubcomp, pkt.QoSExactlyOnce)
		}
	case pkt.PUBREL:
		if err := engine.MessageReleaseIncoming(session.Delivery, mid, srv.broker); err != nil {
			logger.Printf("pubrel for %s mid %d: %v", clientID, mid, err)
		}
		pubcomp := pkt.NewPubComp(mid)
		if session.Conn != nil {
			if _, err := session.Conn.Write(pubcomp); err != nil {
				logger.Printf("send pubcomp to %s: %v", clientID, err)
			}
		}
	case pkt.PUBCOMP:
		if err := engine.MessageDeleteOutgoing(session.Delivery, mid, delivery.StateWaitForPubcomp, pkt.QoSExactlyOnce); err != nil {
			logger.Printf("pubcomp for %s mid %d: %v", clientID, mid, err)
		}
	}
}

// dispatchWillIfNeeded publishes a session's will message when the
// connection dropped without an MQTT DISCONNECT.
func (srv *TCPServer) dispatchWillIfNeeded(clientID string, cleanDisconnect bool) {
	if cleanDisconnect {
		return
	}
	session, ok := srv.broker.Get(clientID)
	if !ok || session.WillTopic == nil || session.WillMessage == nil {
		return
	}
	qos := pkt.QoSLevel(session.WillQoS)
	err := srv.broker.Engine().EasyQueue(clientID, *session.WillTopic, qos, []byte(*session.WillMessage), session.WillRetain, 0, nil, srv.broker)
	if err != nil {
		logger.Printf("will dispatch for %s: %v", clientID, err)
	}
}

// sendAndClose sends an ACK (usually CONNACK) and closes the connection
func (srv *TCPServer) sendAndClose(conn net.Conn, ack []byte) {
	if len(ack) > 0 {
		if _, err := conn.Write(ack); err != nil {
			logger.Printf("Error sending ACK to %s: %v", conn.RemoteAddr(), err)
		}
	}
	conn.Close()
}
