package main

import "errors"

var errNoParam = errors.New("request carried no parameter")
