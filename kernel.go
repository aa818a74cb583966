package main

import _ "embed"

// builtinKernel is compiled when no --kernel file is given.
//
//go:embed kernels/main_kernel.cl
var builtinKernel string
