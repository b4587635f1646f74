// Package transport is the wire side of simple-mqtt.
//
// The connection core in package mqtt never touches sockets or bytes. It talks
// to a Transport: it hands it packets with Send, consumes every inbound packet
// from Events, and reads the terminal *Lost pseudo-packet as the single
// "transport lost" signal. A Dialer opens one Transport per network session.
//
// NetDialer is the production implementation. It dials TCP, TLS or WebSocket
// (ws/wss) and encodes MQTT 3.1.1 with github.com/eclipse/paho.mqtt.golang/packets
// or MQTT 5 with github.com/eclipse/paho.golang/packets. Keep-alive pings are
// handled inside the transport and never surface as events.
package transport
