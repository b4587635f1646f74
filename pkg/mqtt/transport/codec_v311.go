package transport

import (
	"fmt"
	"io"

	pkts "github.com/eclipse/paho.mqtt.golang/packets"
)

// v311Codec maps packets onto the MQTT 3.1.1 wire format.
type v311Codec struct{}

func (v311Codec) encode(w io.Writer, p Packet) error {
	var cp pkts.ControlPacket

	switch p := p.(type) {
	case *Connect:
		c := pkts.NewControlPacket(pkts.Connect).(*pkts.ConnectPacket)
		c.ProtocolName = "MQTT"
		c.ProtocolVersion = V311
		c.CleanSession = p.CleanStart
		c.Keepalive = p.KeepAlive
		c.ClientIdentifier = p.ClientID
		if p.Username != "" {
			c.UsernameFlag = true
			c.Username = p.Username
		}
		if p.Password != nil {
			c.PasswordFlag = true
			c.Password = p.Password
		}
		if p.Will != nil {
			c.WillFlag = true
			c.WillTopic = p.Will.Topic
			c.WillMessage = p.Will.Payload
			c.WillQos = p.Will.QoS
			c.WillRetain = p.Will.Retain
		}
		cp = c
	case *ConnAck:
		c := pkts.NewControlPacket(pkts.Connack).(*pkts.ConnackPacket)
		c.SessionPresent = p.SessionPresent
		c.ReturnCode = p.ReasonCode
		cp = c
	case *Publish:
		c := pkts.NewControlPacket(pkts.Publish).(*pkts.PublishPacket)
		c.Qos = p.QoS
		c.Retain = p.Retain
		c.Dup = p.Dup
		c.TopicName = p.Topic
		c.MessageID = p.PacketID
		c.Payload = p.Payload
		cp = c
	case *PubAck:
		c := pkts.NewControlPacket(pkts.Puback).(*pkts.PubackPacket)
		c.MessageID = p.PacketID
		cp = c
	case *PubRec:
		c := pkts.NewControlPacket(pkts.Pubrec).(*pkts.PubrecPacket)
		c.MessageID = p.PacketID
		cp = c
	case *PubRel:
		c := pkts.NewControlPacket(pkts.Pubrel).(*pkts.PubrelPacket)
		c.MessageID = p.PacketID
		cp = c
	case *PubComp:
		c := pkts.NewControlPacket(pkts.Pubcomp).(*pkts.PubcompPacket)
		c.MessageID = p.PacketID
		cp = c
	case *Subscribe:
		c := pkts.NewControlPacket(pkts.Subscribe).(*pkts.SubscribePacket)
		c.MessageID = p.PacketID
		for _, s := range p.Subscriptions {
			c.Topics = append(c.Topics, s.Filter)
			c.Qoss = append(c.Qoss, s.QoS)
		}
		cp = c
	case *SubAck:
		c := pkts.NewControlPacket(pkts.Suback).(*pkts.SubackPacket)
		c.MessageID = p.PacketID
		c.ReturnCodes = p.ReasonCodes
		cp = c
	case *Unsubscribe:
		c := pkts.NewControlPacket(pkts.Unsubscribe).(*pkts.UnsubscribePacket)
		c.MessageID = p.PacketID
		c.Topics = p.Filters
		cp = c
	case *UnsubAck:
		c := pkts.NewControlPacket(pkts.Unsuback).(*pkts.UnsubackPacket)
		c.MessageID = p.PacketID
		cp = c
	case *PingReq:
		cp = pkts.NewControlPacket(pkts.Pingreq)
	case *PingResp:
		cp = pkts.NewControlPacket(pkts.Pingresp)
	case *Disconnect:
		cp = pkts.NewControlPacket(pkts.Disconnect)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedPacket, p)
	}

	return cp.Write(w)
}

func (v311Codec) decode(r io.Reader) (Packet, error) {
	cp, err := pkts.ReadPacket(r)
	if err != nil {
		return nil, err
	}

	switch c := cp.(type) {
	case *pkts.ConnectPacket:
		p := &Connect{
			ClientID:   c.ClientIdentifier,
			KeepAlive:  c.Keepalive,
			CleanStart: c.CleanSession,
		}
		if c.UsernameFlag {
			p.Username = c.Username
		}
		if c.PasswordFlag {
			p.Password = c.Password
		}
		if c.WillFlag {
			p.Will = &Will{Topic: c.WillTopic, Payload: c.WillMessage, QoS: c.WillQos, Retain: c.WillRetain}
		}
		return p, nil
	case *pkts.ConnackPacket:
		return &ConnAck{SessionPresent: c.SessionPresent, ReasonCode: c.ReturnCode}, nil
	case *pkts.PublishPacket:
		return &Publish{
			Topic:    c.TopicName,
			Payload:  c.Payload,
			QoS:      c.Qos,
			Retain:   c.Retain,
			Dup:      c.Dup,
			PacketID: c.MessageID,
		}, nil
	case *pkts.PubackPacket:
		return &PubAck{PacketID: c.MessageID}, nil
	case *pkts.PubrecPacket:
		return &PubRec{PacketID: c.MessageID}, nil
	case *pkts.PubrelPacket:
		return &PubRel{PacketID: c.MessageID}, nil
	case *pkts.PubcompPacket:
		return &PubComp{PacketID: c.MessageID}, nil
	case *pkts.SubscribePacket:
		p := &Subscribe{PacketID: c.MessageID}
		for i, f := range c.Topics {
			s := Subscription{Filter: f}
			if i < len(c.Qoss) {
				s.QoS = c.Qoss[i]
			}
			p.Subscriptions = append(p.Subscriptions, s)
		}
		return p, nil
	case *pkts.SubackPacket:
		return &SubAck{PacketID: c.MessageID, ReasonCodes: c.ReturnCodes}, nil
	case *pkts.UnsubscribePacket:
		return &Unsubscribe{PacketID: c.MessageID, Filters: c.Topics}, nil
	case *pkts.UnsubackPacket:
		return &UnsubAck{PacketID: c.MessageID}, nil
	case *pkts.PingreqPacket:
		return &PingReq{}, nil
	case *pkts.PingrespPacket:
		return &PingResp{}, nil
	case *pkts.DisconnectPacket:
		return &Disconnect{}, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedPacket, cp)
	}
}
