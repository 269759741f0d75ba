// Package mqtt provides the optional MQTT notifier for statepanel.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Publishing device state updates and cache reload events
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// statepanel is publish-only on MQTT. Devices submit their state over HTTP;
// the notifier mirrors accepted submissions and cache reloads onto the broker
// so dashboards and automations can react without polling the API.
//
//	Devices → statepanel HTTP API → MQTT Broker → Dashboards / automations
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.PublishDeviceUpdated("Pool Pump", doc)
//	client.PublishReload(12)
package mqtt
