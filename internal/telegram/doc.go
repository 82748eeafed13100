// Package telegram connects the relay to the Telegram Bot API.
//
// Client implements messaging.Gateway; Dispatcher is installed as the bot's
// default handler and feeds private chats and operator topic messages into the
// relay engine.
package telegram
