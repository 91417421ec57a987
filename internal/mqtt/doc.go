// Package mqtt publishes the bot's status to an MQTT broker as Home
// Assistant discovery sensors: turns and vetoes today, tokens today,
// time of the last turn, the response model, version and uptime. It
// also listens on a command topic for momentum resets.
//
// The connection is managed by Eclipse Paho v2's [autopaho] package.
// On every (re-)connect the publisher sends retained discovery
// payloads, an "online" birth message and re-subscribes to the command
// topic. A will message flips availability to "offline" when the
// connection drops.
package mqtt
