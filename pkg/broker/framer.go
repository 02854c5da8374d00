// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

const rawChunkSize = 32 * 1024

// Packet describes one protocol unit seen by a framer.
type Packet struct {
	Type string
	// ClientID is set for MQTT CONNECT packets.
	ClientID string
}

// Framer splits an upstream byte stream into WebSocket messages.
type Framer interface {
	// Codec names the framer in metrics and configuration.
	Codec() string

	// ReadMessage reads the next outbound message from r.
	ReadMessage(r *bufio.Reader) ([]byte, Packet, error)

	// Inspect lists the packets contained in an inbound message.
	Inspect(msg []byte) ([]Packet, error)
}

// NewFramer returns the framer for a codec name.
func NewFramer(codec string) (Framer, error) {
	switch codec {
	case "", "mqtt":
		return MQTTFramer{}, nil
	case "raw":
		return RawFramer{}, nil
	default:
		return nil, fmt.Errorf("unknown broker codec %q", codec)
	}
}

// MQTTFramer frames MQTT 3.1.1 control packets.
type MQTTFramer struct{}

var _ Framer = MQTTFramer{}

func (MQTTFramer) Codec() string { return "mqtt" }

func (MQTTFramer) ReadMessage(r *bufio.Reader) ([]byte, Packet, error) {
	pkt, err := packets.ReadPacket(r)
	if err != nil {
		return nil, Packet{}, err
	}

	var buf bytes.Buffer
	if err := pkt.Write(&buf); err != nil {
		return nil, Packet{}, fmt.Errorf("failed to write packet: %w", err)
	}
	return buf.Bytes(), describe(pkt), nil
}

// Inspect reads every packet in msg. A message holding a partial packet is
// reported with io.ErrUnexpectedEOF along with the packets read so far.
func (MQTTFramer) Inspect(msg []byte) ([]Packet, error) {
	r := bytes.NewReader(msg)
	var pkts []Packet
	for r.Len() > 0 {
		pkt, err := packets.ReadPacket(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return pkts, err
		}
		pkts = append(pkts, describe(pkt))
	}
	return pkts, nil
}

func describe(pkt packets.ControlPacket) Packet {
	switch p := pkt.(type) {
	case *packets.ConnectPacket:
		return Packet{Type: "CONNECT", ClientID: p.ClientIdentifier}
	case *packets.ConnackPacket:
		return Packet{Type: "CONNACK"}
	case *packets.PublishPacket:
		return Packet{Type: "PUBLISH"}
	case *packets.PubackPacket:
		return Packet{Type: "PUBACK"}
	case *packets.PubrecPacket:
		return Packet{Type: "PUBREC"}
	case *packets.PubrelPacket:
		return Packet{Type: "PUBREL"}
	case *packets.PubcompPacket:
		return Packet{Type: "PUBCOMP"}
	case *packets.SubscribePacket:
		return Packet{Type: "SUBSCRIBE"}
	case *packets.SubackPacket:
		return Packet{Type: "SUBACK"}
	case *packets.UnsubscribePacket:
		return Packet{Type: "UNSUBSCRIBE"}
	case *packets.UnsubackPacket:
		return Packet{Type: "UNSUBACK"}
	case *packets.PingreqPacket:
		return Packet{Type: "PINGREQ"}
	case *packets.PingrespPacket:
		return Packet{Type: "PINGRESP"}
	case *packets.DisconnectPacket:
		return Packet{Type: "DISCONNECT"}
	default:
		return Packet{Type: "UNKNOWN"}
	}
}

// RawFramer forwards bytes as they arrive.
type RawFramer struct{}

var _ Framer = RawFramer{}

func (RawFramer) Codec() string { return "raw" }

func (RawFramer) ReadMessage(r *bufio.Reader) ([]byte, Packet, error) {
	buf := make([]byte, rawChunkSize)
	n, err := r.Read(buf)
	if n > 0 {
		return buf[:n], Packet{Type: "DATA"}, nil
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return nil, Packet{}, err
}

func (RawFramer) Inspect(msg []byte) ([]Packet, error) {
	return []Packet{{Type: "DATA"}}, nil
}
