// Command classifyd runs the classification orchestration service: the REST
// API, the websocket room hub, the task dispatcher, and the result relay.
package main
