// Package mqtt provides MQTT client connectivity for the Naim bridge.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions restored after reconnection
//   - Last Will and Testament (LWT) on the bridge health topic
//
// # Architecture
//
// The bridge sits between the Gray Logic message bus and Naim streamers.
// Commands arrive on graylogic/command/naim/{device_id}; acknowledgements,
// state and health are published back on the matching categories.
//
//	Gray Logic Core ↔ MQTT Broker ↔ Naim bridge ↔ Naim devices (HTTP/WebSocket)
//
// # Security Considerations
//
//   - TLS should be enabled outside the lab (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, mqtt.Topics{}.BridgeHealth("naim"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.BridgeCommands("naim"), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("command: %s = %s", topic, payload)
//	        return nil
//	    })
package mqtt
