// Package tgui holds small helpers for chat UIs rendered in Telegram HTML
// parse mode: escaping, inline keyboards, callback data and paging.
package tgui
