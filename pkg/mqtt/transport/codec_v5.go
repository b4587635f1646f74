package transport

import (
	"fmt"
	"io"

	pkts "github.com/eclipse/paho.golang/packets"
)

// v5Codec maps packets onto the MQTT 5 wire format. Properties beyond session
// expiry are not surfaced.
type v5Codec struct{}

func (v5Codec) encode(w io.Writer, p Packet) error {
	var wt io.WriterTo

	switch p := p.(type) {
	case *Connect:
		c := &pkts.Connect{
			ProtocolName:    "MQTT",
			ProtocolVersion: V5,
			ClientID:        p.ClientID,
			KeepAlive:       p.KeepAlive,
			CleanStart:      p.CleanStart,
			Properties:      &pkts.Properties{},
		}
		if p.SessionExpiry > 0 {
			expiry := p.SessionExpiry
			c.Properties.SessionExpiryInterval = &expiry
		}
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
			c.WillQOS = p.Will.QoS
			c.WillRetain = p.Will.Retain
			c.WillProperties = &pkts.Properties{}
		}
		wt = c
	case *ConnAck:
		wt = &pkts.Connack{SessionPresent: p.SessionPresent, ReasonCode: p.ReasonCode, Properties: &pkts.Properties{}}
	case *Publish:
		wt = &pkts.Publish{
			Topic:      p.Topic,
			Payload:    p.Payload,
			QoS:        p.QoS,
			Retain:     p.Retain,
			Duplicate:  p.Dup,
			PacketID:   p.PacketID,
			Properties: &pkts.Properties{},
		}
	case *PubAck:
		wt = &pkts.Puback{PacketID: p.PacketID, ReasonCode: p.ReasonCode, Properties: &pkts.Properties{}}
	case *PubRec:
		wt = &pkts.Pubrec{PacketID: p.PacketID, ReasonCode: p.ReasonCode, Properties: &pkts.Properties{}}
	case *PubRel:
		wt = &pkts.Pubrel{PacketID: p.PacketID, ReasonCode: p.ReasonCode, Properties: &pkts.Properties{}}
	case *PubComp:
		wt = &pkts.Pubcomp{PacketID: p.PacketID, ReasonCode: p.ReasonCode, Properties: &pkts.Properties{}}
	case *Subscribe:
		s := &pkts.Subscribe{PacketID: p.PacketID, Properties: &pkts.Properties{}}
		for _, sub := range p.Subscriptions {
			s.Subscriptions = append(s.Subscriptions, pkts.SubOptions{
				Topic:          sub.Filter,
				QoS:            sub.QoS,
				RetainHandling: sub.RetainHandling,
				NoLocal:        sub.NoLocal,
			})
		}
		wt = s
	case *SubAck:
		wt = &pkts.Suback{PacketID: p.PacketID, Reasons: p.ReasonCodes, Properties: &pkts.Properties{}}
	case *Unsubscribe:
		wt = &pkts.Unsubscribe{PacketID: p.PacketID, Topics: p.Filters, Properties: &pkts.Properties{}}
	case *UnsubAck:
		wt = &pkts.Unsuback{PacketID: p.PacketID, Reasons: p.ReasonCodes, Properties: &pkts.Properties{}}
	case *PingReq:
		wt = &pkts.Pingreq{}
	case *PingResp:
		wt = &pkts.Pingresp{}
	case *Disconnect:
		wt = &pkts.Disconnect{ReasonCode: p.ReasonCode, Properties: &pkts.Properties{}}
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedPacket, p)
	}

	_, err := wt.WriteTo(w)
	return err
}

func (v5Codec) decode(r io.Reader) (Packet, error) {
	cp, err := pkts.ReadPacket(r)
	if err != nil {
		return nil, err
	}

	switch c := cp.Content.(type) {
	case *pkts.Connect:
		p := &Connect{
			ClientID:   c.ClientID,
			KeepAlive:  c.KeepAlive,
			CleanStart: c.CleanStart,
		}
		if c.Properties != nil && c.Properties.SessionExpiryInterval != nil {
			p.SessionExpiry = *c.Properties.SessionExpiryInterval
		}
		if c.UsernameFlag {
			p.Username = c.Username
		}
		if c.PasswordFlag {
			p.Password = c.Password
		}
		if c.WillFlag {
			p.Will = &Will{Topic: c.WillTopic, Payload: c.WillMessage, QoS: c.WillQOS, Retain: c.WillRetain}
		}
		return p, nil
	case *pkts.Connack:
		return &ConnAck{SessionPresent: c.SessionPresent, ReasonCode: c.ReasonCode}, nil
	case *pkts.Publish:
		return &Publish{
			Topic:    c.Topic,
			Payload:  c.Payload,
			QoS:      c.QoS,
			Retain:   c.Retain,
			Dup:      c.Duplicate,
			PacketID: c.PacketID,
		}, nil
	case *pkts.Puback:
		return &PubAck{PacketID: c.PacketID, ReasonCode: c.ReasonCode}, nil
	case *pkts.Pubrec:
		return &PubRec{PacketID: c.PacketID, ReasonCode: c.ReasonCode}, nil
	case *pkts.Pubrel:
		return &PubRel{PacketID: c.PacketID, ReasonCode: c.ReasonCode}, nil
	case *pkts.Pubcomp:
		return &PubComp{PacketID: c.PacketID, ReasonCode: c.ReasonCode}, nil
	case *pkts.Subscribe:
		p := &Subscribe{PacketID: c.PacketID}
		for _, s := range c.Subscriptions {
			p.Subscriptions = append(p.Subscriptions, Subscription{
				Filter:         s.Topic,
				QoS:            s.QoS,
				RetainHandling: s.RetainHandling,
				NoLocal:        s.NoLocal,
			})
		}
		return p, nil
	case *pkts.Suback:
		return &SubAck{PacketID: c.PacketID, ReasonCodes: c.Reasons}, nil
	case *pkts.Unsubscribe:
		return &Unsubscribe{PacketID: c.PacketID, Filters: c.Topics}, nil
	case *pkts.Unsuback:
		return &UnsubAck{PacketID: c.PacketID, ReasonCodes: c.Reasons}, nil
	case *pkts.Pingreq:
		return &PingReq{}, nil
	case *pkts.Pingresp:
		return &PingResp{}, nil
	case *pkts.Disconnect:
		return &Disconnect{ReasonCode: c.ReasonCode}, nil
	default:
		return nil, fmt.Errorf("%w: packet type %d", ErrUnsupportedPacket, cp.Type)
	}
}
