// Package mqtt mirrors Scribe's operational events onto an MQTT broker.
//
// The Bridge subscribes to the in-process events bus and republishes
// each event as JSON under <prefix>/events/<kind>. It also keeps a
// handful of retained state topics (<prefix>/state/...) current: model,
// version, uptime, active sessions, backend health, and tokens used
// today.
//
// Connection management uses Eclipse Paho v2's [autopaho] package,
// which reconnects automatically. On every (re-)connect the bridge
// publishes "online" to <prefix>/availability; a will message flips it
// to "offline" on unexpected disconnects.
package mqtt
