/*
Package replybus provides the request/reply dispatcher: for each request it opens a fresh
resolution scope, locates the single handler registered for the request's runtime type,
invokes it and hands back its result or its error unchanged.

Zero candidates fail with *HandlerMissingError, two or more with *HandlerAmbiguousError;
neither case ever invokes a handler. Handler errors are returned as-is.
*/
package replybus
